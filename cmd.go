// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arvados/harmonize/configdiff"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"draft":              &drafter{},
		"assemble":           &assembler{},
		"diff-synonyms":      &synonymDiff{},
		"build-docker-image": &buildDockerImage{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// stringList is a comma-separated list flag.
type stringList []string

func (sl *stringList) String() string { return strings.Join(*sl, ",") }

func (sl *stringList) Set(s string) error {
	*sl = splitList(s)
	return nil
}

// commonFlags are accepted by the draft and assemble commands.
type commonFlags struct {
	configFile  string
	configYAML  string
	logLevel    string
	pprof       string
	profileDir  string
	runlocal    bool
	projectUUID string
	priority    int
}

func (cf *commonFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&cf.configFile, "config", "", "read settings from YAML `file` (flags override)")
	flags.StringVar(&cf.configYAML, "config-yaml", "", "settings as YAML `text` (used in container mode)")
	flags.StringVar(&cf.logLevel, "log-level", "info", "log `level` (debug, info, warn, error)")
	flags.StringVar(&cf.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cf.profileDir, "profile-dir", "", "write CPU and heap profiles to `dir` every minute")
	flags.BoolVar(&cf.runlocal, "local", true, "run on local host (false: run in an arvados container)")
	flags.StringVar(&cf.projectUUID, "project", "", "project `UUID` for containers and output data")
	flags.IntVar(&cf.priority, "priority", 500, "container request priority")
}

// setup applies the logging and profiling flags. The returned func
// must be called when the command finishes.
func (cf *commonFlags) setup() (func(), error) {
	lvl, err := logrus.ParseLevel(cf.logLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(lvl)
	if cf.pprof != "" {
		go func() {
			logrus.Println(http.ListenAndServe(cf.pprof, nil))
		}()
	}
	if cf.profileDir == "" {
		return func() {}, nil
	}
	pw, err := startProfiles(cf.profileDir, time.Minute)
	if err != nil {
		return nil, err
	}
	return pw.Stop, nil
}

// loadConfig returns the config file's settings (or the defaults),
// overridden by the flags that were given explicitly on the command
// line.
func (cf *commonFlags) loadConfig(flags *flag.FlagSet, fromFlags *Config) (Config, error) {
	cfg := DefaultConfig()
	var err error
	switch {
	case cf.configFile != "" && cf.configYAML != "":
		return cfg, &ConfigurationError{Err: errors.New("cannot use both -config and -config-yaml")}
	case cf.configFile != "":
		cfg, err = LoadConfigFile(cf.configFile)
	case cf.configYAML != "":
		cfg, err = parseConfig([]byte(cf.configYAML), "-config-yaml")
	}
	if err != nil {
		return cfg, err
	}
	overrideConfig(flags, &cfg, fromFlags)
	return cfg, nil
}

// runContainer runs subcommand (with the given config and extra
// arguments) in an Arvados container, and returns the output
// collection UUID.
func (cf *commonFlags) runContainer(subcommand string, cfg Config, extra ...string) (string, error) {
	runner := arvadosContainerRunner{
		Name:        "harmonize " + subcommand,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: cf.projectUUID,
		RAM:         16000000000,
		VCPUs:       cfg.Parallel,
		Priority:    cf.priority,
	}
	if runner.VCPUs < 1 {
		runner.VCPUs = 1
	}
	err := runner.TranslatePaths(&cfg.DataRoot, &cfg.SynonymsPath, &cfg.FeaturesPath, &cfg.PanelsPath, &cfg.ColumnsPath)
	if err != nil {
		return "", err
	}
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	runner.Args = append([]string{subcommand, "-local=true", "-log-level=" + cf.logLevel, "-config-yaml=" + string(buf)}, extra...)
	return runner.Run()
}

func bindConfigFlags(flags *flag.FlagSet, cfg *Config, names ...string) {
	for _, name := range names {
		switch name {
		case "data-root":
			flags.StringVar(&cfg.DataRoot, name, cfg.DataRoot, "read study directories from `dir`")
		case "studies":
			flags.Var((*stringList)(&cfg.Studies), name, "comma-separated study `names` to use (default all)")
		case "synonyms":
			flags.StringVar(&cfg.SynonymsPath, name, cfg.SynonymsPath, "synonym `file` (CANONICAL = syn1, syn2, ...)")
		case "features":
			flags.StringVar(&cfg.FeaturesPath, name, cfg.FeaturesPath, "canonical feature list `file` for approximate column matching")
		case "panels":
			flags.StringVar(&cfg.PanelsPath, name, cfg.PanelsPath, "gene panel `file`")
		case "columns":
			flags.StringVar(&cfg.ColumnsPath, name, cfg.ColumnsPath, "keep only the columns listed in `file`")
		case "o":
			flags.StringVar(&cfg.OutputPath, name, cfg.OutputPath, "output `file`")
		case "format":
			flags.StringVar(&cfg.OutputFormat, name, cfg.OutputFormat, "output `format`: tsv, csv, npy, sqlite, or auto (from file extension)")
		case "min-calls":
			flags.IntVar(&cfg.PresenceThreshold, name, cfg.PresenceThreshold, "minimum mutation calls for a gene to count as mutated in a sample")
		case "min-ratio":
			flags.Float64Var(&cfg.MinRatio, name, cfg.MinRatio, "minimum similarity for a column to match a feature")
		case "strong-ratio":
			flags.Float64Var(&cfg.StrongRatio, name, cfg.StrongRatio, "similarity above which a column matches a feature it does not start with")
		case "detect-delimiter":
			flags.BoolVar(&cfg.DetectDelimiter, name, cfg.DetectDelimiter, "detect field delimiter instead of assuming tab")
		case "parallel":
			flags.IntVar(&cfg.Parallel, name, cfg.Parallel, "maximum number of studies to load at once")
		case "metrics-file":
			flags.StringVar(&cfg.MetricsPath, name, cfg.MetricsPath, "write run metrics to `file` in prometheus text format")
		default:
			panic("unknown config flag " + name)
		}
	}
}

func overrideConfig(flags *flag.FlagSet, dst, src *Config) {
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-root":
			dst.DataRoot = src.DataRoot
		case "studies":
			dst.Studies = src.Studies
		case "synonyms":
			dst.SynonymsPath = src.SynonymsPath
		case "features":
			dst.FeaturesPath = src.FeaturesPath
		case "panels":
			dst.PanelsPath = src.PanelsPath
		case "columns":
			dst.ColumnsPath = src.ColumnsPath
		case "o":
			dst.OutputPath = src.OutputPath
		case "format":
			dst.OutputFormat = src.OutputFormat
		case "min-calls":
			dst.PresenceThreshold = src.PresenceThreshold
		case "min-ratio":
			dst.MinRatio = src.MinRatio
		case "strong-ratio":
			dst.StrongRatio = src.StrongRatio
		case "detect-delimiter":
			dst.DetectDelimiter = src.DetectDelimiter
		case "parallel":
			dst.Parallel = src.Parallel
		case "metrics-file":
			dst.MetricsPath = src.MetricsPath
		}
	})
}

// exitCode is 1 for any error; configuration errors are logged as
// such.
func exitCode(err error) int {
	var cerr *ConfigurationError
	if errors.As(err, &cerr) {
		logrus.WithField("path", cerr.Path).Error("configuration error")
	}
	return 1
}

type drafter struct{}

func (cmd *drafter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var cf commonFlags
	cf.register(flags)
	fromFlags := DefaultConfig()
	bindConfigFlags(flags, &fromFlags, "data-root", "studies", "synonyms", "features", "min-ratio", "strong-ratio", "detect-delimiter", "parallel")
	outdir := flags.String("o", "", "write draft files to `dir`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("unexpected arguments: %q", flags.Args())
		return 2
	}
	cleanup, err := cf.setup()
	if err != nil {
		return 2
	}
	defer cleanup()
	cfg, err := cf.loadConfig(flags, &fromFlags)
	if err != nil {
		return exitCode(err)
	}

	if !cf.runlocal {
		var output string
		output, err = cf.runContainer("draft", cfg, "-o=/mnt/output")
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+draftSynonymsFile)
		return 0
	}
	if *outdir == "" {
		err = &ConfigurationError{Err: errors.New("output directory (-o) not specified")}
		return exitCode(err)
	}
	err = Draft(context.Background(), cfg, *outdir)
	if err != nil {
		return exitCode(err)
	}
	fmt.Fprintln(stdout, filepath.Join(*outdir, draftSynonymsFile))
	return 0
}

type assembler struct{}

func (cmd *assembler) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var cf commonFlags
	cf.register(flags)
	fromFlags := DefaultConfig()
	bindConfigFlags(flags, &fromFlags, "data-root", "studies", "synonyms", "features", "panels", "columns", "o", "format",
		"min-calls", "min-ratio", "strong-ratio", "detect-delimiter", "parallel", "metrics-file")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("unexpected arguments: %q", flags.Args())
		return 2
	}
	cleanup, err := cf.setup()
	if err != nil {
		return 2
	}
	defer cleanup()
	cfg, err := cf.loadConfig(flags, &fromFlags)
	if err != nil {
		return exitCode(err)
	}

	if !cf.runlocal {
		if err = cfg.Validate(); err != nil {
			return exitCode(err)
		}
		base := filepath.Base(cfg.OutputPath)
		cfg.OutputPath = "/mnt/output/" + base
		if cfg.MetricsPath != "" {
			cfg.MetricsPath = "/mnt/output/" + filepath.Base(cfg.MetricsPath)
		}
		var output string
		output, err = cf.runContainer("assemble", cfg)
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+base)
		return 0
	}
	result, err := Run(context.Background(), cfg)
	if err != nil {
		return exitCode(err)
	}
	logrus.Infof("wrote %d rows, %d columns to %s", len(result.Table.Rows), len(result.Table.Columns), cfg.OutputPath)
	fmt.Fprintln(stdout, cfg.OutputPath)
	return 0
}

type synonymDiff struct{}

func (cmd *synonymDiff) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	ignoreComments := flags.Bool("ignore-comments", true, "ignore comment and blank lines")
	timeout := flags.Duration("timeout", 10*time.Second, "give up on a minimal diff after `duration`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 2 {
		err = fmt.Errorf("usage: %s [options] draft.txt final.txt", prog)
		return 2
	}
	var texts [2]string
	for i, fnm := range flags.Args() {
		var f io.ReadCloser
		f, err = zopen(fnm)
		if err != nil {
			return 1
		}
		var buf []byte
		buf, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return 1
		}
		texts[i] = string(buf)
		if *ignoreComments {
			texts[i] = configdiff.StripComments(texts[i])
		}
	}
	edits, timedOut := configdiff.Diff(texts[0], texts[1], *timeout)
	if timedOut {
		logrus.Warn("diff timed out; edits may not be minimal")
	}
	for _, e := range edits {
		if _, err = e.WriteTo(stdout); err != nil {
			return 1
		}
	}
	logrus.Infof("%d edits", len(edits))
	return 0
}

type buildDockerImage struct{}

func (cmd *buildDockerImage) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	tmpdir, err := os.MkdirTemp("", "")
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	defer os.RemoveAll(tmpdir)
	err = os.WriteFile(tmpdir+"/Dockerfile", []byte(`FROM debian:bookworm
RUN DEBIAN_FRONTEND=noninteractive \
  apt-get update && \
  apt-get dist-upgrade -y && \
  apt-get install -y --no-install-recommends ca-certificates && \
  apt-get clean
`), 0644)
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	docker := exec.Command("docker", "build", "--tag="+runtimeImage, tmpdir)
	docker.Stdout = stdout
	docker.Stderr = stderr
	err = docker.Run()
	if err != nil {
		return 1
	}
	fmt.Fprintf(stderr, "built and tagged new docker image, %s\n", runtimeImage)
	return 0
}
