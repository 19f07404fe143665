package fetcher

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func collectCSV(rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	return rows, <-errCh
}

func TestStreamCSV_Semicolon(t *testing.T) {
	input := "Дата;Карта;Сумма\n01.02.2024 10:30;7012 3456;1 234,50\n"
	rows, err := collectCSV(StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: ';',
	}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Дата", "Карта", "Сумма"}, rows[0])
	assert.Equal(t, "1 234,50", rows[1][2])
}

func TestStreamCSV_SkipRowsAndTrim(t *testing.T) {
	input := "Report for January\nDate, Card\n 01.01.2024 , 123 \n"
	rows, err := collectCSV(StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		SkipRows:  1,
		TrimSpace: true,
	}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Date", "Card"}, rows[0])
	assert.Equal(t, []string{"01.01.2024", "123"}, rows[1])
}

func TestStreamCSV_StripsBOM(t *testing.T) {
	input := "\ufeffdate,amount\n2024-01-01,10\n"
	rows, err := collectCSV(StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "date", rows[0][0])
}

func TestStreamCSV_Windows1251(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().String("Карта;Сумма\nАЗС;5\n")
	require.NoError(t, err)

	rows, err := collectCSV(StreamCSV(context.Background(), bytes.NewReader([]byte(encoded)), CSVOptions{
		Delimiter: ';',
		Encoding:  "windows-1251",
	}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Карта", "Сумма"}, rows[0])
	assert.Equal(t, "АЗС", rows[1][0])
}

func TestStreamCSV_UnknownEncoding(t *testing.T) {
	_, err := collectCSV(StreamCSV(context.Background(), strings.NewReader("a\n"), CSVOptions{
		Encoding: "klingon-8",
	}))
	assert.Error(t, err)
}

func TestStreamCSV_VariableFields(t *testing.T) {
	input := "a,b,c\n1,2\n"
	rows, err := collectCSV(StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{}))
	require.NoError(t, err)
	assert.Len(t, rows[1], 2)
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		b.WriteString("x,y\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	rowCh, errCh := StreamCSV(ctx, strings.NewReader(b.String()), CSVOptions{})
	<-rowCh
	cancel()
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}
