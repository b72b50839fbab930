package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/aggregate"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Dialect string
	Output  string
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query.yaml>",
		Short: "Compile an aggregation query for one dialect",
		Long: `Compile reads an entity description and an aggregation query from a
YAML file and prints the plan for the selected dialect. Without --dialect
the driver of the settings file (or GPA_DATABASE_DRIVER) is used.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Dialect, "dialect", "d", "", "target dialect (pgsql, mysql, sqlite, mssql, mongo)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the plan to a file instead of stdout")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	logger := zap.NewNop()
	if opts.Verbose {
		// Logs go to stderr so the plan on stdout stays clean.
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(cmd.ErrOrStderr()),
			zap.DebugLevel,
		)
		logger = zap.New(core)
	}

	dialect := opts.Dialect
	if dialect == "" {
		settings, err := gpa.LoadConfig(opts.Config)
		if err != nil {
			return err
		}
		dialect = settings.Database.Driver
	}

	doc, err := LoadDocument(path)
	if err != nil {
		return err
	}
	meta, err := doc.Entity.Metadata()
	if err != nil {
		return err
	}

	compiler, err := aggregate.For(dialect, aggregate.WithLogger(logger))
	if err != nil {
		return err
	}
	plan, err := compiler.Compile(doc.Query.Build(), meta)
	if err != nil {
		return err
	}
	logger.Debug("compiled plan",
		zap.String("dialect", plan.Dialect),
		zap.String("source", plan.Source),
		zap.Strings("columns", plan.Columns))

	out := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return writePlan(out, plan)
}

// writePlan prints a statement plan as SQL followed by its parameters, and a
// pipeline plan as one extended-JSON document per stage.
func writePlan(w io.Writer, plan *gpa.CompiledPlan) error {
	switch plan.Target {
	case gpa.PlanStatement:
		_, err := fmt.Fprintf(w, "%s\n%v\n", plan.Statement, plan.Params)
		return err
	case gpa.PlanPipeline:
		if _, err := fmt.Fprintf(w, "db.%s.aggregate([\n", plan.Source); err != nil {
			return err
		}
		for _, stage := range plan.Stages {
			data, err := bson.MarshalExtJSON(stage, false, false)
			if err != nil {
				return gpa.NewErrorWithCause(gpa.ErrorTypeSerialization, "failed to render stage", err)
			}
			if _, err := fmt.Fprintf(w, "  %s,\n", data); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(w, "])")
		return err
	}
	return gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("unknown plan target %q", plan.Target))
}
