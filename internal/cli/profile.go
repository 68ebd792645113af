package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
)

func newProfileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit the stored fitness profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print stored answers and validation errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			values, err := a.profiles.Load(ctx)
			if err != nil {
				return err
			}
			printProfile(cmd, values, a.profiles.MaskedCredential(ctx))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Store one or more answers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args)
			if err != nil {
				return err
			}
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.profiles.Save(cmd.Context(), values); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d field(s)\n", len(values))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import file.yaml",
		Short: "Store answers from a YAML mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := readProfileFile(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.profiles.Save(cmd.Context(), values); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d field(s) from %s\n", len(values), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all stored answers and the API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.profiles.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "profile cleared")
			return nil
		},
	})

	return cmd
}

func parseAssignments(args []string) (domain.Values, error) {
	values := make(domain.Values, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if !domain.IsKnownKey(key) {
			return nil, fmt.Errorf("unknown profile field %q", key)
		}
		values[key] = value
	}
	return values, nil
}

// readProfileFile 读取 YAML 映射，数字和布尔值转换为字符串
func readProfileFile(path string) (domain.Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, errors.New("profile file is empty")
	}
	values := make(domain.Values, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

func printProfile(cmd *cobra.Command, values domain.Values, maskedKey string) {
	out := cmd.OutOrStdout()
	for _, f := range domain.FormFields {
		if !domain.Visible(f.ID, values) {
			continue
		}
		if v := values.Get(f.ID); v != "" {
			fmt.Fprintf(out, "%s: %s\n", f.ID, v)
		}
	}
	if maskedKey != "" {
		fmt.Fprintf(out, "%s: %s\n", domain.CredentialKey, maskedKey)
	}

	var verr *domain.ValidationError
	if _, err := domain.ParseProfile(values); errors.As(err, &verr) {
		ids := make([]string, 0, len(verr.Fields))
		for id := range verr.Fields {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		fmt.Fprintln(out, "\ninvalid fields:")
		for _, id := range ids {
			fmt.Fprintf(out, "  %s: %s\n", id, verr.Fields[domain.FieldID(id)])
		}
	}
}
