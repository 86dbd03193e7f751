package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/bilusteknoloji/ppm/internal/lockfile"
	"github.com/bilusteknoloji/ppm/internal/python"
	"github.com/bilusteknoloji/ppm/internal/resolve"
	"github.com/bilusteknoloji/ppm/internal/verifier"
)

var version = "0.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx)

	stop()

	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled):
		os.Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rootCmd := &cobra.Command{
		Use:           "ppm",
		Short:         "A Python package resolver and deterministic lock generator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	lockCmd := newLockCmd()
	verifyCmd := newVerifyCmd()

	rootCmd.AddCommand(lockCmd, verifyCmd)
	rootCmd.SetContext(ctx)

	return rootCmd.Execute()
}

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock [requirements...]",
		Short: "Resolve requirements and write a deterministic lockfile",
		RunE:  runLock,
	}

	cmd.Flags().String("root", ".", "Directory containing .ppm/cache and where outputs are written")
	cmd.Flags().String("index", "", "Primary index base URL (required)")
	cmd.Flags().StringArray("extra-index", nil, "Additional index base URL, consulted after the primary (repeatable)")
	cmd.Flags().Int("timeout", 30, "Per-request HTTP timeout, in seconds")
	cmd.Flags().Int("retries", 2, "Per-request retry count")
	cmd.Flags().String("ua", "ppm", "User-Agent header sent on outgoing requests")
	cmd.Flags().Bool("no-transitives", false, "Skip transitive dependency expansion")
	cmd.Flags().Bool("strict-hash", false, "Treat an artifact with no recoverable digest as fatal")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose logging")
	cmd.Flags().StringP("requirements", "r", "", "Read additional requirement lines from a file")

	return cmd
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check a committed lock against the host and its cache",
		Args:  cobra.NoArgs,
		RunE:  runVerify,
	}

	cmd.Flags().String("root", ".", "Directory holding .ppm/lock.json and .ppm/cache")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose logging")
	cmd.Flags().String("emit-standalone", "", "Also write a standalone, dependency-free Go verifier to this path")

	return cmd
}

func runLock(cmd *cobra.Command, args []string) error {
	flags, err := parseLockFlags(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(flags.verbose)

	cfg := resolve.Config{
		Root:              flags.root,
		IndexURL:          flags.index,
		ExtraIndexURLs:    flags.extraIndex,
		Requirements:      flags.requirements,
		FollowTransitives: !flags.noTransitives,
		StrictHash:        flags.strictHash,
		TimeoutSeconds:    flags.timeout,
		Retries:           flags.retries,
		UserAgent:         flags.userAgent,
	}

	svc, err := resolve.New(cfg, resolve.WithLogger(logger))
	if err != nil {
		return err
	}

	lock, err := svc.Run(cmd.Context())
	if err != nil {
		return err
	}

	if err := writeOutputs(flags.root, lock, logger); err != nil {
		return err
	}

	fmt.Printf("resolved %d packages\n", len(lock.Packages))

	return nil
}

func writeOutputs(root string, lock lockfile.Lock, logger *slog.Logger) error {
	ppmDir := root + "/.ppm"

	if err := lockfile.WriteLockJSON(ppmDir+"/lock.json", lock); err != nil {
		return fmt.Errorf("writing lock.json: %w", err)
	}

	detector := python.New()

	env, err := detector.Detect(context.Background())
	if err != nil {
		return fmt.Errorf("probing environment for pylock.toml: %w", err)
	}

	if err := lockfile.WritePylockTOML(root+"/pylock.toml", lock, env.PythonFullVersion); err != nil {
		return fmt.Errorf("writing pylock.toml: %w", err)
	}

	if err := lockfile.WriteMatrixInputs(ppmDir+"/matrix_inputs.txt", lock); err != nil {
		return fmt.Errorf("writing matrix_inputs.txt: %w", err)
	}

	indexURLs := append([]string{lock.IndexPrimary}, lock.IndexExtra...)

	platform := lockfile.ClassifyPlatform(indexURLs)
	logger.Debug("classified build-matrix platform", slog.String("platform", platform))

	if err := lockfile.WriteMatrixPlan(ppmDir+"/matrix_plan.json", indexURLs); err != nil {
		return fmt.Errorf("writing matrix_plan.json: %w", err)
	}

	src, err := verifier.GenerateSource(lock, ppmDir+"/cache")
	if err != nil {
		return fmt.Errorf("generating standalone verifier: %w", err)
	}

	if err := os.WriteFile(ppmDir+"/verify.go", src, 0o644); err != nil {
		return fmt.Errorf("writing verify.go: %w", err)
	}

	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	root, _ := cmd.Flags().GetString("root")
	verbose, _ := cmd.Flags().GetBool("verbose")
	emitStandalone, _ := cmd.Flags().GetString("emit-standalone")

	logger := newLogger(verbose)

	lock, err := readLockJSON(root + "/.ppm/lock.json")
	if err != nil {
		return fmt.Errorf("reading lock: %w", err)
	}

	detector := python.New()

	env, err := detector.Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("probing environment: %w", err)
	}

	cacheDir := root + "/.ppm/cache"

	results, ok := verifier.Verify(cacheDir, lock, env.CompatTags())
	for _, r := range results {
		if r.OK {
			logger.Debug("verified", slog.String("package", r.Name), slog.String("file", r.Filename))

			continue
		}

		fmt.Printf("FAIL %s (%s): %s\n", r.Name, r.Filename, r.Reason)
	}

	if emitStandalone != "" {
		src, err := verifier.GenerateSource(lock, cacheDir)
		if err != nil {
			return fmt.Errorf("generating standalone verifier: %w", err)
		}

		if err := os.WriteFile(emitStandalone, src, 0o644); err != nil {
			return fmt.Errorf("writing standalone verifier: %w", err)
		}
	}

	if !ok {
		os.Exit(2)
	}

	fmt.Println("all artifacts verified")

	return nil
}

type lockFlags struct {
	root          string
	index         string
	extraIndex    []string
	timeout       int
	retries       int
	userAgent     string
	noTransitives bool
	strictHash    bool
	verbose       bool
	requirements  []string
}

func parseLockFlags(cmd *cobra.Command, args []string) (lockFlags, error) {
	root, _ := cmd.Flags().GetString("root")
	index, _ := cmd.Flags().GetString("index")
	extraIndex, _ := cmd.Flags().GetStringArray("extra-index")
	timeout, _ := cmd.Flags().GetInt("timeout")
	retries, _ := cmd.Flags().GetInt("retries")
	ua, _ := cmd.Flags().GetString("ua")
	noTransitives, _ := cmd.Flags().GetBool("no-transitives")
	strictHash, _ := cmd.Flags().GetBool("strict-hash")
	verbose, _ := cmd.Flags().GetBool("verbose")
	reqFile, _ := cmd.Flags().GetString("requirements")

	if index == "" {
		return lockFlags{}, fmt.Errorf("--index is required")
	}

	requirements := append([]string{}, args...)

	if reqFile != "" {
		fileReqs, err := readRequirementsFile(reqFile)
		if err != nil {
			return lockFlags{}, err
		}

		requirements = append(requirements, fileReqs...)
	}

	if len(requirements) == 0 {
		return lockFlags{}, fmt.Errorf("no requirements specified; pass them as arguments or via -r")
	}

	return lockFlags{
		root:          root,
		index:         index,
		extraIndex:    extraIndex,
		timeout:       timeout,
		retries:       retries,
		userAgent:     ua,
		noTransitives: noTransitives,
		strictHash:    strictHash,
		verbose:       verbose,
		requirements:  requirements,
	}, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
