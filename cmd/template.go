package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fuelwise/fuel-ingest/internal/credential"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/scheduler"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage provider templates",
	Long:  "Commands for registering provider templates and checking their connections.",
}

// templateSpec is the YAML form of a provider template. Connection settings
// are given in plaintext and sealed before they are stored.
type templateSpec struct {
	ProviderID         int64             `yaml:"provider_id"`
	Name               string            `yaml:"name"`
	ConnectionType     string            `yaml:"connection_type"`
	ConnectionSettings map[string]any    `yaml:"connection_settings"`
	FieldMapping       map[string]string `yaml:"field_mapping"`
	AutoLoad           bool              `yaml:"auto_load"`
	AutoLoadSchedule   string            `yaml:"auto_load_schedule"`
	DateFromOffset     int               `yaml:"date_from_offset"`
	DateToOffset       int               `yaml:"date_to_offset"`
}

// toTemplate validates s and seals its connection settings.
func (s templateSpec) toTemplate(codec *credential.Codec) (*model.ProviderTemplate, error) {
	ct, err := model.ParseConnectionType(s.ConnectionType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Name) == "" {
		return nil, eris.New("template name is required")
	}
	if s.ProviderID <= 0 {
		return nil, eris.New("provider_id must be a positive integer")
	}
	if s.AutoLoad {
		if _, err := scheduler.ParseSchedule(s.AutoLoadSchedule); err != nil {
			return nil, err
		}
	}
	settings := s.ConnectionSettings
	if settings == nil {
		settings = map[string]any{}
	}
	blob, err := codec.Seal(settings)
	if err != nil {
		return nil, eris.Wrap(err, "seal connection settings")
	}
	mapping := s.FieldMapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	return &model.ProviderTemplate{
		ProviderID:         s.ProviderID,
		Name:               strings.TrimSpace(s.Name),
		ConnectionType:     ct,
		ConnectionSettings: blob,
		FieldMapping:       mapping,
		AutoLoad:           s.AutoLoad,
		AutoLoadSchedule:   s.AutoLoadSchedule,
		DateFromOffset:     s.DateFromOffset,
		DateToOffset:       s.DateToOffset,
	}, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// -- template create --

var templateCreateCmd = &cobra.Command{
	Use:   "create <file.yaml|->",
	Short: "Register a provider template from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("load"); err != nil {
			return err
		}
		raw, err := readInput(args[0])
		if err != nil {
			return eris.Wrap(err, "template create: read input")
		}
		var spec templateSpec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return eris.Wrap(err, "template create: parse yaml")
		}

		codec, err := credential.NewCodec(cfg.Credentials.Key, cfg.Credentials.SecretFields)
		if err != nil {
			return err
		}
		tpl, err := spec.toTemplate(codec)
		if err != nil {
			return eris.Wrap(err, "template create")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		id, err := st.CreateTemplate(ctx, tpl)
		if err != nil {
			return eris.Wrap(err, "template create")
		}
		zap.L().Info("template created", zap.Int64("template_id", id), zap.String("name", tpl.Name))
		fmt.Println(id)
		return nil
	},
}

// -- template list --

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		tpls, err := st.ListTemplates(ctx)
		if err != nil {
			return eris.Wrap(err, "template list")
		}
		if len(tpls) == 0 {
			fmt.Fprintln(os.Stderr, "No templates found.")
			return nil
		}
		formatTemplateList(os.Stdout, tpls)
		return nil
	},
}

// -- template test --

var templateTestCmd = &cobra.Command{
	Use:   "test <template-id>",
	Short: "Check that a template's provider is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseTemplateID(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(ctx, "load")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Runner.TestConnection(ctx, id)
		if err != nil {
			return eris.Wrap(err, "template test")
		}
		fmt.Println(res.Message)
		if !res.Success {
			return eris.Errorf("template %d: connection failed", id)
		}
		return nil
	},
}

// -- template fields --

var templateFieldsCmd = &cobra.Command{
	Use:   "fields <template-id>",
	Short: "List the fields a template's provider exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseTemplateID(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(ctx, "load")
		if err != nil {
			return err
		}
		defer env.Close()

		fields, err := env.Runner.Fields(ctx, id)
		if err != nil {
			return eris.Wrap(err, "template fields")
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fields)
		}
		formatFieldList(os.Stdout, fields)
		return nil
	},
}

func init() {
	templateFieldsCmd.Flags().Bool("json", false, "print fields as JSON")

	templateCmd.AddCommand(templateCreateCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateTestCmd)
	templateCmd.AddCommand(templateFieldsCmd)
	rootCmd.AddCommand(templateCmd)
}

// formatTemplateList writes a tabular list of templates to w.
func formatTemplateList(out io.Writer, tpls []model.ProviderTemplate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tTYPE\tSCHEDULE\tWINDOW\tLAST_AUTO_LOAD")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t----\t--------\t------\t--------------")

	for _, t := range tpls {
		schedule := "-"
		if t.AutoLoad {
			schedule = t.AutoLoadSchedule
		}
		last := "-"
		if t.LastAutoLoadDate != nil {
			last = t.LastAutoLoadDate.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%+d..%+d\t%s\n",
			t.ID, t.ProviderID, truncate(t.Name, 30), t.ConnectionType, schedule,
			t.DateFromOffset, t.DateToOffset, last)
	}
	_ = w.Flush()
}

func formatFieldList(out io.Writer, fields []model.FieldDescriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tTYPE\tDESCRIPTION")
	for _, f := range fields {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, f.Type, f.Description)
	}
	_ = w.Flush()
}
