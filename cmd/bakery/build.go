package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bakery/internal/builder"
	"bakery/internal/config"
	bkerrors "bakery/internal/errors"
	"bakery/internal/infra"
	"bakery/internal/render"
	"bakery/internal/wheelhouse"
	"bakery/pkg/graceful"
)

// action is one step of the pipeline the user can request.
type action string

const (
	actionDep   action = "dep"
	actionImg   action = "img"
	actionPush  action = "push"
	actionBuild action = "build" // umbrella: dep + img + push
)

type buildFlags struct {
	configs        []string
	runtime        string
	entrypointName string
	volumes        []string
	ports          []string
	pipConstraint  string
	imagePrefix    string
	imageBaseName  string
	imageName      string
	resultFile     string
	verbose        bool
}

func newBuildCmd() *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build [flags] <action>... <release>",
		Short: "Run pipeline actions (dep, img, push, or the umbrella build) for a release",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actions, err := parseActions(args[:len(args)-1])
			if err != nil {
				return err
			}
			return runBuild(flags, actions, args[len(args)-1])
		},
	}

	cmd.Flags().StringArrayVarP(&flags.configs, "config", "c", nil, "configuration file (repeatable, later files win)")
	cmd.Flags().StringVarP(&flags.runtime, "runtime", "r", "", "runtime used to build and run this image")
	cmd.Flags().StringVarP(&flags.entrypointName, "entrypoint-name", "e", "", "entrypoint used to run this image")
	cmd.Flags().StringArrayVar(&flags.volumes, "volume", nil, "container storage and configuration area (repeatable)")
	cmd.Flags().StringArrayVar(&flags.ports, "port", nil, "port the container listens on (repeatable)")
	cmd.Flags().StringVar(&flags.pipConstraint, "pip-constraint", "", "pip constraint file used to install dependencies")
	cmd.Flags().StringVar(&flags.imagePrefix, "docker-image-prefix", "", "registry or account prefix for produced images")
	cmd.Flags().StringVar(&flags.imageBaseName, "image-base-name", "", "base name for the produced images")
	cmd.Flags().StringVarP(&flags.imageName, "image-name", "n", "", "full tag for the runner image")
	cmd.Flags().StringVar(&flags.resultFile, "result-file", "", "yaml file where build results are written")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose mode")

	return cmd
}

// parseActions validates the requested action set. The umbrella action
// already covers the others and may not be combined with them.
func parseActions(args []string) (map[action]bool, error) {
	actions := make(map[action]bool)
	for _, arg := range args {
		switch a := action(arg); a {
		case actionDep, actionImg, actionPush, actionBuild:
			actions[a] = true
		default:
			return nil, fmt.Errorf("unknown action %q (expected dep, img, push or build)", arg)
		}
	}
	if actions[actionBuild] {
		if len(actions) > 1 {
			named := make([]string, 0, len(actions))
			for a := range actions {
				named = append(named, string(a))
			}
			sort.Strings(named)
			return nil, fmt.Errorf("the build action already covers dep, img and push; got: %s", strings.Join(named, ", "))
		}
		return map[action]bool{actionDep: true, actionImg: true, actionPush: true}, nil
	}
	return actions, nil
}

func runBuild(flags *buildFlags, actions map[action]bool, release string) error {
	settings, err := infra.LoadSettings()
	if err != nil {
		return err
	}
	logger, err := initLogger(settings.LogLevel, flags.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	spec, err := resolveSpec(flags)
	if err != nil {
		return err
	}
	for _, warning := range spec.Warnings {
		logger.Warn(warning)
	}

	engine, err := builder.NewDockerEngine(settings.Docker.Host, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer engine.Close()

	renderer, err := render.New()
	if err != nil {
		return err
	}

	wheelDir := settings.Wheelhouse.CacheDir
	if wheelDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return err
		}
		wheelDir = filepath.Join(cacheDir, "bakery", "wheels")
	}

	shutdown := graceful.NewHandler(logger, 10*time.Second)
	defer shutdown.Shutdown()
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	opts := builder.Options{
		ScratchRoot: settings.ScratchRoot,
		WheelDir:    wheelDir,
		Output:      os.Stdout,
	}

	// The wheelhouse only serves the img action's installation phase.
	if actions[actionImg] {
		server := wheelhouse.NewServer(settings.Wheelhouse.Addr, wheelDir, logger)
		if err := server.Start(); err != nil {
			return err
		}
		shutdown.Register(server)
		opts.IndexAddr = server.Addr()
	}

	orchestrator := builder.NewOrchestrator(engine, renderer, logger, opts)
	req := builder.Request{
		Spec:      spec,
		Release:   release,
		ImageName: flags.imageName,
	}
	if req.ImageName == "" {
		req.ImageName = spec.ImageName(release)
	}

	result := &builder.Result{Release: release, Image: req.ImageName}

	if actions[actionDep] {
		logger.Info("Compiling dependencies...", zap.String("release", release))
		if err := orchestrator.CompileWheels(ctx, req); err != nil {
			return err
		}
	}

	if actions[actionImg] {
		logger.Info("Building image...", zap.String("image", req.ImageName))
		built, err := orchestrator.Build(ctx, req)
		if err != nil {
			return err
		}
		result = built
	}

	if actions[actionPush] {
		digest, err := orchestrator.Push(ctx, req.ImageName)
		switch {
		case bkerrors.HasCode(err, bkerrors.ErrorCodePushUnclearRegistry):
			logger.Warn("Not pushing any image", zap.Error(err))
		case err != nil:
			return err
		default:
			logger.Info("Pushed image", zap.String("image", req.ImageName), zap.String("digest", digest))
			result.Hash = digest
		}
	}

	if flags.resultFile != "" {
		if err := writeResultFile(flags.resultFile, result); err != nil {
			return err
		}
	}
	return nil
}

// resolveSpec merges defaults, configuration files and flag overrides into
// the immutable build specification.
func resolveSpec(flags *buildFlags) (*config.BuildSpec, error) {
	defaults, err := config.DefaultDocument()
	if err != nil {
		return nil, err
	}
	var projects []*config.Document
	for _, path := range flags.configs {
		doc, err := config.LoadDocument(path)
		if err != nil {
			return nil, err
		}
		projects = append(projects, doc)
	}
	overrides := config.Overrides{
		Runtime:        flags.runtime,
		EntrypointName: flags.entrypointName,
		PipConstraint:  flags.pipConstraint,
		DockerPrefix:   flags.imagePrefix,
		ImageBaseName:  flags.imageBaseName,
		Volumes:        flags.volumes,
		Ports:          flags.ports,
	}
	return config.Resolve(defaults, projects, overrides)
}

func writeResultFile(path string, result *builder.Result) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
