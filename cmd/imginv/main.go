package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/imginv/engine"
	"github.com/bibin-skaria/imginv/exporters"
	"github.com/bibin-skaria/imginv/internal/config"
	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/logging"
	"github.com/bibin-skaria/imginv/internal/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const (
	exitCodeFailure = 1
	exitCodeUsage   = 2
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "imginv",
		Short: "Container image package inventory",
		Long: `imginv reads a saved container image, finds the package manager databases
left in its merged filesystem and prints the installed packages as a
dependency tree rooted at the image.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored error output")

	cmd.AddCommand(newScanCommand())
	cmd.AddCommand(newLayersCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

type scanOptions struct {
	configPath    string
	archive       string
	imageType     string
	output        string
	outputFile    string
	workers       int
	manifestGlobs []string
	excludeGlobs  []string
	rpmOutput     string
	platform      string
	tmpDir        string
	logLevel      string
	progress      bool
}

func (o *scanOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringVarP(&o.archive, "archive", "a", "", "Path to a saved image archive")
	cmd.Flags().StringVar(&o.imageType, "type", "", "Archive type (docker-archive, oci-archive); detected when empty")
	cmd.Flags().IntVarP(&o.workers, "workers", "w", config.DefaultWorkers, "Number of concurrent extraction workers")
	cmd.Flags().StringVar(&o.platform, "platform", config.DefaultPlatform, "Platform to select from multi-platform images")
	cmd.Flags().StringVar(&o.tmpDir, "tmp-dir", "", "Directory for archives pulled from a daemon or registry")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// scanConfig loads the configuration file and environment, then applies the
// flags the user set explicitly.
func (o *scanOptions) scanConfig(cmd *cobra.Command, args []string) (*types.ScanConfig, error) {
	cfg, err := config.NewLoader().Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.TargetImage = args[0]
	}
	flags := cmd.Flags()
	if flags.Changed("archive") {
		cfg.ImagePath = o.archive
	}
	if flags.Changed("type") {
		imageType, err := types.ParseImageType(o.imageType)
		if err != nil {
			return nil, errors.NewConfigurationError("parse_flags", err.Error(), nil)
		}
		cfg.ImageType = imageType
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if flags.Changed("platform") {
		cfg.Platform = o.platform
	}
	if flags.Changed("tmp-dir") {
		cfg.TmpDir = o.tmpDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("output") {
		cfg.OutputFormat = o.output
	}
	if flags.Changed("manifest-glob") {
		cfg.ManifestGlobs = o.manifestGlobs
	}
	if flags.Changed("manifest-exclude-glob") {
		cfg.ManifestExcludeGlobs = o.excludeGlobs
	}
	if flags.Changed("rpm-output") {
		data, err := os.ReadFile(o.rpmOutput)
		if err != nil {
			return nil, errors.NewFilesystemError("read_rpm_output", fmt.Sprintf("failed to read %s", o.rpmOutput), err)
		}
		cfg.RpmQueryOutput = string(data)
	}

	if cfg.ImagePath == "" && cfg.TargetImage == "" {
		return nil, errors.NewConfigurationError("parse_flags", "an image reference or --archive is required", nil)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newScanner builds a scanner logging to stderr. A non-nil progress writer
// also receives one line per scan stage.
func newScanner(cfg *types.ScanConfig, progress io.Writer) (*engine.Scanner, error) {
	scanID := logging.NewScanID()
	logger := logging.NewStructuredLoggerWithOutput(scanID, os.Stderr, cfg.LogLevel, logging.Format(cfg.LogFormat))
	scanner, err := engine.NewScanner(cfg, logger)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		scanner.SetProgress(engine.NewProgressTracker(scanID, progress))
	}
	return scanner, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newScanCommand() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan [IMAGE]",
		Short: "List the packages installed in an image",
		Long: `Scan an image and print its packages as a dependency tree.

IMAGE may be a reference such as debian:12, which is saved from the local
Docker daemon or pulled from its registry, or an archive written as
docker-archive:<path> or oci-archive:<path>. Use --archive to scan a file
whose format should be detected.`,
		Example: `  imginv scan debian:12
  imginv scan docker-archive:/tmp/app.tar -o table
  imginv scan --archive image.tar --manifest-glob '**/package.json'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.scanConfig(cmd, args)
			if err != nil {
				return err
			}
			exporter, err := exporters.GetExporter(cfg.OutputFormat)
			if err != nil {
				return errors.NewConfigurationError("select_output", fmt.Sprintf("%v (available: %s)", err, strings.Join(exporters.ListExporters(), ", ")), nil)
			}
			var progress io.Writer
			if opts.progress {
				progress = cmd.ErrOrStderr()
			}
			scanner, err := newScanner(cfg, progress)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			result, err := scanner.Scan(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputFile != "" {
				f, err := os.Create(opts.outputFile)
				if err != nil {
					return errors.NewFilesystemError("write_output", fmt.Sprintf("failed to create %s", opts.outputFile), err)
				}
				defer f.Close()
				out = f
			}
			return exporter.Export(result, out)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.output, "output", "o", config.DefaultOutputFormat, fmt.Sprintf("Output format (%s)", strings.Join(exporters.ListExporters(), ", ")))
	cmd.Flags().StringVar(&opts.outputFile, "output-file", "", "Write the result to a file instead of stdout")
	cmd.Flags().StringArrayVar(&opts.manifestGlobs, "manifest-glob", []string{}, "Collect files matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&opts.excludeGlobs, "manifest-exclude-glob", []string{}, "Skip collected files matching this glob (repeatable)")
	cmd.Flags().StringVar(&opts.rpmOutput, "rpm-output", "", "File holding 'rpm -qa' output to use instead of the image's rpm database")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "Print scan stages to stderr")

	return cmd
}

func newLayersCommand() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "layers [IMAGE]",
		Short: "Show the layer plan and the files extracted from an image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.scanConfig(cmd, args)
			if err != nil {
				return err
			}
			scanner, err := newScanner(cfg, nil)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			archivePath, imageType, cleanup, err := scanner.Archive(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			extraction, err := scanner.Extract(ctx, imageType, archivePath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Image ID: %s\n", extraction.ImageID)
			if extraction.Plan != nil {
				fmt.Fprintf(out, "Format: %s\n", extraction.Plan.Dialect)
			}
			fmt.Fprintf(out, "Platform: %s\n\n", extraction.Platform)

			layerTable := table.NewWriter()
			layerTable.SetOutputMirror(out)
			layerTable.SetStyle(table.StyleLight)
			layerTable.AppendHeader(table.Row{"#", "Digest", "Diff ID"})
			if extraction.Plan != nil {
				for i, l := range extraction.Plan.Layers {
					layerTable.AppendRow(table.Row{i, l.Digest, l.DiffID})
				}
			}
			layerTable.Render()

			fmt.Fprintln(out)
			fileTable := table.NewWriter()
			fileTable.SetOutputMirror(out)
			fileTable.SetStyle(table.StyleLight)
			fileTable.AppendHeader(table.Row{"Path", "Actions"})
			for _, p := range extraction.MatchedPaths() {
				names := make([]string, 0, len(extraction.ExtractedLayers[p]))
				for name := range extraction.ExtractedLayers[p] {
					names = append(names, name)
				}
				sort.Strings(names)
				fileTable.AppendRow(table.Row{p, strings.Join(names, ", ")})
			}
			fileTable.Render()

			for _, e := range extraction.Errors {
				fmt.Fprintf(out, "warning: %s\n", e.Error())
			}
			return nil
		},
	}

	opts.addFlags(cmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imginv %s\ncommit: %s\nbuilt: %s\n", Version, GitCommit, BuildDate)
		},
	}
}

// exitCode maps a failure to the process exit status: 2 when the input itself
// is wrong, 1 for everything else.
func exitCode(err error) int {
	switch errors.KindOf(err) {
	case errors.ErrorKindInvalidReference, errors.ErrorKindFormat, errors.ErrorKindConfiguration:
		return exitCodeUsage
	}
	return exitCodeFailure
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgHiRed, color.Bold)
	var scanErr *errors.ScanError
	if stderrors.As(err, &scanErr) {
		red.Fprintf(w, "Error (%s): ", scanErr.Kind)
		fmt.Fprintln(w, scanErr.GetUserFriendlyMessage())
		return
	}
	red.Fprint(w, "Error: ")
	fmt.Fprintln(w, err)
}
