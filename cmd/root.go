// Package cmd implements the buildsys command line interface
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
	"github.com/DevianKeno/be-ts-template/pkg/config"
	"github.com/DevianKeno/be-ts-template/pkg/pipeline"
	"github.com/DevianKeno/be-ts-template/pkg/storage"
)

// errReported is returned once a failure has been logged, Execute only has to set the exit code
var errReported = eris.New("failed")

// RootCmd runs the given tasks or lists them if none were given
var RootCmd = &cobra.Command{
	Use:   "buildsys [flags] [task...] [option=value...]",
	Short: "Builds, packages and deploys the add-on",
	Long: `Runs the given tasks in order. Arguments containing an = are passed to tasks.star as options.
Without tasks, all available tasks are listed.

PROJECT_NAME and MCWORLD_NAME have to be set in the environment or in .env.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs, options := splitArgs(args)

		s, err := newSession(cmd, options)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(taskArgs) == 0 {
			printTasks(s.engine.Registry(), s.scriptOptions)
			return nil
		}

		ctx, stop := signal.NotifyContext(s.ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		for _, name := range taskArgs {
			if err := s.engine.Run(ctx, name); err != nil {
				failed := buildsys.FailedTask(err)
				if failed == "" {
					failed = name
				}

				s.logger.Error().Err(err).Str("task", failed).Msgf("task %s failed", name)
				return errReported
			}
		}

		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().String("root", "", "project root (default: the closest parent directory containing buildsys.toml, tasks.star or package.json)")
	RootCmd.PersistentFlags().Bool("json", false, "print JSON log lines instead of colored output")
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the tasks, don't execute anything")
	RootCmd.Flags().Bool("fix", false, "let the lint task fix problems")
}

// Execute runs the root command and exits with 1 on failure
func Execute() {
	err := RootCmd.Execute()
	if err == nil {
		return
	}

	if err != errReported {
		log.Logger.Error().Err(err).Msg("")
	}
	os.Exit(1)
}

func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}
	return taskArgs, options
}

// session holds everything a command needs to run tasks
type session struct {
	ctx           context.Context
	logger        *zerolog.Logger
	cfg           *config.Config
	engine        *buildsys.Engine
	journal       *storage.Journal
	scriptOptions map[string]buildsys.ScriptOption
}

func setupLogger(cmd *cobra.Command) *zerolog.Logger {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var logger zerolog.Logger
	if jsonOutput {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter(os.Stderr))
	}

	log.Logger = logger
	return &logger
}

func findProjectRoot(start string) string {
	path := start
	for {
		for _, marker := range []string{config.FileName, pipeline.ScriptName, "package.json"} {
			if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
				return path
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return start
		}
		path = parent
	}
}

// loadConfig resolves the project root and loads the configuration. Nothing is written before this succeeded.
func loadConfig(cmd *cobra.Command, logger *zerolog.Logger) (*config.Config, error) {
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Error().Err(err).Msg("failed to retrieve the current working directory")
			return nil, errReported
		}
		root = findProjectRoot(wd)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, errReported
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg.JSON = cfg.JSON || jsonOutput
	if cfg.JSON && !jsonOutput {
		*logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	*logger = logger.Level(cfg.LogLevel())
	log.Logger = *logger

	return cfg, nil
}

func newSession(cmd *cobra.Command, options map[string]string) (*session, error) {
	logger := setupLogger(cmd)
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return nil, err
	}

	s := &session{
		ctx:    buildsys.WithLogger(context.Background(), logger),
		logger: logger,
		cfg:    cfg,
	}

	engineOpts := []buildsys.Option{buildsys.WithParallelism(cfg.Parallelism)}
	if cmd.Flags().Lookup("dry") != nil {
		dryRun, _ := cmd.Flags().GetBool("dry")
		engineOpts = append(engineOpts, buildsys.WithDryRun(dryRun))
	}

	if cfg.Journal != "" {
		s.journal, err = storage.Open(cfg.Path(cfg.Journal))
		if err != nil {
			logger.Warn().Err(err).Msg("continuing without run journal")
		} else {
			engineOpts = append(engineOpts, buildsys.WithRecorder(s.journal))
		}
	}

	s.engine = buildsys.NewEngine(buildsys.NewRegistry(), engineOpts...)

	var pipelineOpts pipeline.Options
	if cmd.Flags().Lookup("fix") != nil {
		pipelineOpts.LintFix, _ = cmd.Flags().GetBool("fix")
	}

	if err := pipeline.Register(s.ctx, s.engine, cfg, pipelineOpts); err != nil {
		s.Close()
		logger.Error().Err(err).Msg("failed to register tasks")
		return nil, errReported
	}

	s.scriptOptions, err = pipeline.LoadScript(s.ctx, s.engine.Registry(), cfg.Root, options)
	if err != nil {
		s.Close()
		logger.Error().Err(err).Msgf("failed to load %s", pipeline.ScriptName)
		return nil, errReported
	}

	return s, nil
}

func (s *session) Close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close run journal")
		}
		s.journal = nil
	}
}

func printTasks(registry *buildsys.Registry, options map[string]buildsys.ScriptOption) {
	fmt.Println("Available tasks:")

	names := make([]string, 0)
	maxNameLen := 0
	for _, name := range registry.List() {
		task, err := registry.Resolve(name)
		if err != nil || task.Hidden {
			continue
		}

		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		names = append(names, name)
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		task, _ := registry.Resolve(name)
		fmt.Printf(lineFmt, name+":", task.Desc)
	}

	if len(options) == 0 {
		return
	}

	fmt.Println("\nOptions:")
	optionNames := make([]string, 0, len(options))
	for name := range options {
		optionNames = append(optionNames, name)
	}
	sort.Strings(optionNames)

	for _, name := range optionNames {
		fmt.Printf(" * %s=%s\t%s\n", name, options[name].Default(), options[name].Help)
	}
}
