package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{User: "fleet", Password: "s3cret"})

	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantUser string
		wantPass string
		wantErr  bool
	}{
		{
			name:     "configured credentials",
			url:      "ftp://ftp.provider.example/exports/daily.xlsx",
			wantHost: "ftp.provider.example:21",
			wantPath: "/exports/daily.xlsx",
			wantUser: "fleet",
			wantPass: "s3cret",
		},
		{
			name:     "url credentials win",
			url:      "ftp://ops:pw@ftp.provider.example:2121/out/tx.csv",
			wantHost: "ftp.provider.example:2121",
			wantPath: "/out/tx.csv",
			wantUser: "ops",
			wantPass: "pw",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/file.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := f.parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.host)
			assert.Equal(t, tt.wantPath, target.path)
			assert.Equal(t, tt.wantUser, target.user)
			assert.Equal(t, tt.wantPass, target.password)
		})
	}
}

func TestParseFTPURL_AnonymousFallback(t *testing.T) {
	target, err := NewFTPFetcher(FTPOptions{}).parseFTPURL("ftp://ftp.example.com/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", target.user)
	assert.Equal(t, "anonymous@", target.password)
}

func TestNewFTPFetcher_DefaultTimeout(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
}

func TestFTPFetcher_DialFailure(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{Timeout: 200 * time.Millisecond})
	_, err := f.Download(context.Background(), "ftp://127.0.0.1:1/file.csv")
	assert.Error(t, err)
}
