package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// fieldFlags binds one flag per record column.
type fieldFlags struct {
	name      string
	address   string
	locality  string
	phone     string
	email     string
	foundedOn string
}

func (f *fieldFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.name, "name", "", "school name")
	flags.StringVar(&f.address, "address", "", "street address")
	flags.StringVar(&f.locality, "locality", "", "town or city")
	flags.StringVar(&f.phone, "phone", "", "contact phone")
	flags.StringVar(&f.email, "email", "", "contact email")
	flags.StringVar(&f.foundedOn, "founded-on", "", "founding date (YYYY-MM-DD)")
}

// fields returns the flags the user set; untouched flags stay nil.
func (f *fieldFlags) fields(flags *pflag.FlagSet) records.Fields {
	pick := func(name, value string) *string {
		if !flags.Changed(name) {
			return nil
		}
		return records.String(value)
	}
	return records.Fields{
		Name:      pick("name", f.name),
		Address:   pick("address", f.address),
		Locality:  pick("locality", f.locality),
		Phone:     pick("phone", f.phone),
		Email:     pick("email", f.email),
		FoundedOn: pick("founded-on", f.foundedOn),
	}
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Fetch and print every record, ordered by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Refresh.Timeout)
			defer cancel()
			if err := rt.engine.Refresh(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to fetch records", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Records(rt.engine.Records())
		},
	}
}

func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &fieldFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a record",
		Long: `Create a record. --name is required; the other fields are optional.

Example:
  schoolsync add --name "Escuela 12" --locality Rosario`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := flags.fields(cmd.Flags())
			if fields.NameValue() == "" {
				return WrapExitError(ExitCommandError, "cannot create record", records.ErrNameRequired)
			}
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Refresh.Timeout)
			defer cancel()
			rows, err := rt.engine.CreateRecord(ctx, fields)
			if err != nil {
				return mutationExitError("cannot create record", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Records(rows)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &fieldFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch the fields of a record",
		Long: `Patch a record. Only the flags given are changed.

Example:
  schoolsync update 12 --phone 341-555-0100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			patch := flags.fields(cmd.Flags())
			if patch.IsEmpty() {
				return NewExitError(ExitCommandError, "nothing to update: set at least one field flag")
			}
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Refresh.Timeout)
			defer cancel()
			row, err := rt.engine.UpdateRecord(ctx, id, patch)
			if err != nil {
				return mutationExitError(fmt.Sprintf("cannot update record %d", id), err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Records([]records.Record{row})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Refresh.Timeout)
			defer cancel()
			if err := rt.engine.DeleteRecord(ctx, id); err != nil {
				return mutationExitError(fmt.Sprintf("cannot delete record %d", id), err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return out.Success(map[string]int64{"deleted": id})
			}
			return out.Success(fmt.Sprintf("deleted record %d", id))
		},
	}
}

func parseRecordID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", raw))
	}
	return id, nil
}
