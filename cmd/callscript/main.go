package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callscript/config"
	"github.com/sebas/callscript/internal/banner"
	"github.com/sebas/callscript/internal/logger"
	"github.com/sebas/callscript/notify"
	"github.com/sebas/callscript/originate"
	"github.com/sebas/callscript/pbx"
	"github.com/sebas/callscript/server"
	"github.com/sebas/callscript/session"
	"github.com/sebas/callscript/tts"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration:", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.LogLevel)
	logger.Init(os.Stdout)

	if err := run(cfg); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := pbx.Connect(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer client.Close()

	speech, err := tts.NewCache(tts.EngineFunc(nullSynth), cfg.SoundsDir, "callscript", slog.Default())
	if err != nil {
		return err
	}

	registry := session.NewRegistry(session.RegistryConfig{
		Logger:     slog.Default(),
		SessionTTL: cfg.SessionTTL.Std(),
	})
	defer registry.Stop()

	srv, err := server.New(server.Config{
		Registry:  registry,
		Commander: client,
		Speech:    speech,
		Feed:      client.Events(),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}

	originator := originate.New(originate.Config{
		Registry:   registry,
		Driver:     client,
		Commander:  client,
		Speech:     speech,
		Logger:     slog.Default(),
		CallerID:   cfg.SystemNumber,
		CallerName: cfg.SystemName,
	})
	notifier := notify.New(originator, cfg.SystemName)

	if err := srv.RegisterExtension(cfg.SystemNumber, demoCall, demoText(notifier)); err != nil {
		return err
	}

	banner.Print("CallScript Server", []banner.ConfigLine{
		{Label: "Manager", Value: cfg.ManagerAddr},
		{Label: "Control", Value: cfg.ControlURL},
		{Label: "App", Value: cfg.ControlApp},
		{Label: "Number", Value: cfg.SystemNumber},
		{Label: "AudioSocket", Value: cfg.AudioSocketAddr},
	})
	return srv.ServeForever(ctx)
}

// demoCall is a small voice menu exercising the blocking primitives.
func demoCall(ctx context.Context, call session.Voice) error {
	if err := call.Answer(ctx); err != nil {
		return err
	}
	if err := call.Say(ctx, "Welcome."); err != nil {
		return err
	}
	return call.Menu(ctx, session.MenuDefinition{
		Prompt:     "Press 1 to hear the time, or 2 to leave a message.",
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		Options: map[string]session.MenuAction{
			"1": session.Invoke(func(ctx context.Context) error {
				return call.Say(ctx, "The time is "+time.Now().Format("3 04 PM")+".")
			}),
			"2": session.Invoke(func(ctx context.Context) error {
				if err := call.Say(ctx, "Speak after the tone. Press pound when done."); err != nil {
					return err
				}
				rec, err := call.Record(ctx, time.Minute, "#")
				if err != nil {
					return err
				}
				slog.Info("Message recorded", "recording", rec.ID, "duration", rec.Duration)
				return call.Say(ctx, "Thank you. Goodbye.")
			}),
		},
	})
}

// demoText echoes the opening message and offers a spoken call-back
// through the notifier.
func demoText(notifier *notify.Notifier) session.TextHandler {
	return func(ctx context.Context, conv session.Text) error {
		if err := conv.Say(ctx, "You said: "+conv.InitialText()); err != nil {
			return err
		}
		ok, err := conv.AskYesNo(ctx, "Would you like a call back?")
		if err != nil {
			return err
		}
		if !ok {
			return conv.Say(ctx, "Goodbye.")
		}
		if err := conv.Say(ctx, "Calling you now."); err != nil {
			return err
		}
		return notifier.Notify(ctx, conv.CallerID(),
			"This is your requested call back.", notify.MethodCall)
	}
}

// nullSynth stands in for a speech engine; it produces silence so the
// demo runs without external services.
func nullSynth(ctx context.Context, text string) ([]byte, error) {
	return make([]byte, 8000), nil
}
