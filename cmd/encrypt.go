package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fuelwise/fuel-ingest/internal/credential"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt-settings <file|->",
	Short: "Encrypt the secret fields of connection settings",
	Long:  "Reads connection settings as YAML or JSON and prints them as JSON with every secret field encrypted. Values that are already encrypted are left as they are.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("encrypt"); err != nil {
			return err
		}
		codec, err := credential.NewCodec(cfg.Credentials.Key, cfg.Credentials.SecretFields)
		if err != nil {
			return err
		}
		raw, err := readInput(args[0])
		if err != nil {
			return eris.Wrap(err, "encrypt-settings: read input")
		}
		sealed, err := sealSettings(codec, raw)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(sealed, '\n'))
		return err
	},
}

// sealSettings parses YAML (or JSON) settings and returns them as JSON with
// secret fields encrypted.
func sealSettings(codec *credential.Codec, raw []byte) ([]byte, error) {
	var settings map[string]any
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, eris.Wrap(err, "encrypt-settings: parse settings")
	}
	if settings == nil {
		return nil, eris.New("encrypt-settings: settings are empty")
	}
	sealed, err := codec.Seal(settings)
	if err != nil {
		return nil, eris.Wrap(err, "encrypt-settings")
	}
	return sealed, nil
}

func init() {
	rootCmd.AddCommand(encryptCmd)
}
