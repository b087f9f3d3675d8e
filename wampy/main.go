package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/noisyboiler/wampy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath    string
	routerURL     string
	realm         string
	serialization string
	timeout       time.Duration
	debug         bool
	logFile       string
	pretty        bool
	acknowledge   bool

	cfg    wampy.Config
	logger = zerolog.Nop()
)

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var writers []io.Writer
	if pretty || logFile == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if logFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename: logFile,
			MaxSize:  100,
		})
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(io.MultiWriter(writers...)).Level(level).
		With().Caller().Timestamp().Stack().Logger()
	wampy.SetLogger(logger.With().Str("component", "wampy").Logger())
}

// loadConfig layers the command line flags over the config file and the
// environment.
func loadConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = wampy.LoadConfig(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.RouterURL = routerURL
	}
	if flags.Changed("realm") {
		cfg.Realm = realm
	}
	if flags.Changed("serialization") {
		cfg.Serialization = serialization
	}
	if flags.Changed("timeout") {
		cfg.ResponseTimeout = timeout
	}
	return cfg.Validate()
}

// parseArgs reads each argument as JSON, falling back to a plain string.
func parseArgs(args []string) []interface{} {
	out := make([]interface{}, 0, len(args))
	for _, arg := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		out = append(out, v)
	}
	return out
}

func logJSON(cmd *cobra.Command, v interface{}) {
	m, err := json.Marshal(v)
	if err != nil {
		logError(cmd, err)
		return
	}
	pj, err := prettyjson.Format(m)
	if err != nil {
		logError(cmd, err)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", pj)
}

func logError(cmd *cobra.Command, err error) {
	boldRed := color.New(color.FgRed, color.Bold)
	boldRed.Fprintf(cmd.ErrOrStderr(), "error: ")
	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", color.RedString(err.Error()))
}

func logOK(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", color.BlueString("ok"))
}

func payload(args []interface{}, kwargs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"args": args, "kwargs": kwargs}
}

// serve starts c and blocks until the session ends or the process is
// interrupted.
func serve(ctx context.Context, c *wampy.Client) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()
	logger.Info().Uint64("session", uint64(c.SessionID())).Msg("ready, press Ctrl-C to exit")

	select {
	case <-ctx.Done():
	case <-c.Done():
		logger.Warn().Msg("session closed by router")
	}
	return nil
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <procedure> [args...]",
		Short: "Call a procedure and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := wampy.NewClient(cfg)
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			defer c.Stop()

			res, err := c.Call(cmd.Context(), args[0], parseArgs(args[1:]), nil)
			if err != nil {
				return err
			}
			logJSON(cmd, payload(res.Arguments, res.ArgumentsKw))
			return nil
		},
	}
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <topic> [args...]",
		Short: "Publish an event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := wampy.NewClient(cfg)
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			defer c.Stop()

			if !acknowledge {
				if err := c.Publish(args[0], parseArgs(args[1:]), nil); err != nil {
					return err
				}
				logOK(cmd)
				return nil
			}
			id, err := c.PublishAck(cmd.Context(), args[0], parseArgs(args[1:]), nil)
			if err != nil {
				return err
			}
			logJSON(cmd, map[string]interface{}{"publication": id})
			return nil
		},
	}
	cmd.Flags().BoolVar(&acknowledge, "ack", false, "wait for the router to acknowledge the publication")
	return cmd
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <topic>...",
		Short: "Print events published to the given topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := wampy.NewClient(cfg)
			for _, topic := range args {
				if err := c.Topic(topic, func(ctx context.Context, ev *wampy.Request) {
					out := payload(ev.Args, ev.Kwargs)
					out["topic"] = ev.Name
					logJSON(cmd, out)
				}); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), c)
		},
	}
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <procedure>",
		Short: "Register a procedure that echoes its arguments back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := wampy.NewClient(cfg)
			err := c.Procedure(args[0], func(ctx context.Context, req *wampy.Request) (*wampy.CallResult, error) {
				logger.Info().Str("procedure", string(req.Name)).Interface("args", req.Args).Msg("invoked")
				return &wampy.CallResult{Args: req.Args, Kwargs: req.Kwargs}, nil
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "wampy",
		Short:         "Talk to a WAMP router from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger()
			return loadConfig(cmd)
		},
	}

	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newSubscribeCmd())
	rootCmd.AddCommand(newRegisterCmd())

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "ini file with a [wamp] section")
	flags.StringVarP(&routerURL, "url", "u", wampy.DefaultRouterURL, "router URL (ws, wss, tcp, rs or rss)")
	flags.StringVarP(&realm, "realm", "r", wampy.DefaultRealm, "realm to join")
	flags.StringVarP(&serialization, "serialization", "s", "json", "json or msgpack")
	flags.DurationVarP(&timeout, "timeout", "t", wampy.DefaultResponseTimeout, "how long to wait for the router to answer")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file, rotated at 100MB")
	flags.BoolVar(&pretty, "pretty", false, "human readable logs on stderr when logging to a file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logError(rootCmd, err)
		os.Exit(1)
	}
}
