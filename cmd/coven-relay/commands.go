// ABOUTME: Client-side subcommands: tail, emit, prune and token
// ABOUTME: tail runs the session coordinator; the others connect, make one call and exit

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

var clientValueFlags = []string{"url"}

// applyClientFlags points the client at --url, or at the local bridge with
// --bridge.
func applyClientFlags(cfg *config.Config, flags *flagSet) {
	if flags.bool("bridge") {
		cfg.Client.Mode = config.ModeBridge
		cfg.Client.URL = "ws://" + cfg.Bridge.ListenAddr + "/ws"
	}
	if u := flags.value("url"); u != "" {
		cfg.Client.URL = u
	}
}

// clientSetup loads config and a stderr logger for a client command.
func clientSetup(flags *flagSet) (*config.Config, *slog.Logger, error) {
	cfg, _, err := loadConfig(false)
	if err != nil {
		return nil, nil, err
	}
	applyClientFlags(cfg, flags)
	return cfg, setupLogger(cfg.Logging, os.Stderr), nil
}

// connectClient connects and waits until the client can make calls, for at
// most the configured RPC timeout.
func connectClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*client.Client, error) {
	c := client.NewFromConfig(cfg, logger)

	ready := make(chan struct{}, 1)
	stop := c.Subscribe(client.ListenerFuncs{OnState: func(s client.StateInfo) {
		if s.State == client.StateConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}})
	defer stop()

	c.Connect(cfg.Client.URL)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Connection.RPCTimeout)
	defer cancel()
	select {
	case <-ready:
		return c, nil
	case <-waitCtx.Done():
		st := c.State()
		_ = c.Close()
		if st.Reason != "" {
			return nil, fmt.Errorf("connecting to %s: %s (%s)", cfg.Client.URL, st.State, st.Reason)
		}
		return nil, fmt.Errorf("connecting to %s: %s", cfg.Client.URL, st.State)
	}
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args, append([]string{"session", "after"}, clientValueFlags...), []string{"bridge"})
	if err != nil {
		return err
	}
	keys := flags.all("session")
	if len(keys) == 0 {
		return errors.New("--session is required")
	}
	after, err := flags.int64("after", 0)
	if err != nil {
		return err
	}

	cfg, logger, err := clientSetup(flags)
	if err != nil {
		return err
	}

	c := client.NewFromConfig(cfg, logger)
	defer c.Close()

	enc := json.NewEncoder(out)
	coord := session.New(session.Options{
		Fetcher: session.RPCFetcher{Client: c},
		Apply: func(ev store.Event) {
			if err := enc.Encode(ev); err != nil {
				logger.Warn("writing event", "error", err, "seq", ev.Seq)
			}
		},
		PageSize: cfg.Replay.PageSize,
		Logger:   logger,
	})
	defer coord.Close()
	for _, k := range keys {
		coord.TrackFrom(k, after)
	}

	defer c.Subscribe(coord)()
	defer c.Subscribe(client.ListenerFuncs{OnState: func(s client.StateInfo) {
		logger.Info("connection state", "state", s.State, "reason", s.Reason, "retry_in", s.RetryIn)
	}})()

	c.Connect(cfg.Client.URL)
	<-ctx.Done()

	cursors := coord.Cursors()
	for _, k := range coord.Tracked() {
		logger.Info("stopped", "session_key", k, "cursor", cursors[k])
	}
	return nil
}

func runEmit(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args, append([]string{"session", "type", "payload"}, clientValueFlags...), []string{"bridge"})
	if err != nil {
		return err
	}
	key, err := flags.required("session")
	if err != nil {
		return err
	}
	eventType, err := flags.required("type")
	if err != nil {
		return err
	}
	payload := flags.value("payload")
	if payload == "" {
		payload = "null"
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	cfg, logger, err := clientSetup(flags)
	if err != nil {
		return err
	}
	c, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	raw, err := c.RPC(ctx, gateway.MethodAppend, protocol.AppendParams{
		SessionKey: key,
		EventType:  eventType,
		Payload:    json.RawMessage(payload),
	}, 0)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	var res protocol.AppendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	fmt.Fprintf(out, "%s seq=%d session=%s type=%s\n", color.GreenString("✓"), res.Seq, key, eventType)
	return nil
}

func runPrune(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args, append([]string{"session", "upto"}, clientValueFlags...), []string{"bridge"})
	if err != nil {
		return err
	}
	key, err := flags.required("session")
	if err != nil {
		return err
	}
	upto, err := flags.int64("upto", -1)
	if err != nil {
		return err
	}

	cfg, logger, err := clientSetup(flags)
	if err != nil {
		return err
	}
	c, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var raw json.RawMessage
	if upto < 0 {
		raw, err = c.RPC(ctx, gateway.MethodSessionComplete, protocol.SessionParams{SessionKey: key}, 0)
	} else {
		raw, err = c.RPC(ctx, gateway.MethodPrune, protocol.PruneParams{SessionKey: key, UptoSeq: upto}, 0)
	}
	if err != nil {
		return fmt.Errorf("pruning session: %w", err)
	}
	var res protocol.DeletedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	fmt.Fprintf(out, "%s deleted=%d session=%s\n", color.GreenString("✓"), res.Deleted, key)
	return nil
}

func runToken(args []string, out io.Writer) error {
	flags, err := parseFlags(args, []string{"sub", "ttl", "save"}, []string{"bridge"})
	if err != nil {
		return err
	}
	subject, err := flags.required("sub")
	if err != nil {
		return err
	}

	cfg, configPath, err := loadConfig(true)
	if err != nil {
		return err
	}
	ttl, err := flags.duration("ttl", cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	secret, field := cfg.Auth.JWTSecret, "auth.jwt_secret"
	if flags.bool("bridge") {
		secret, field = cfg.Bridge.JWTSecret, "bridge.jwt_secret"
	}
	if secret == "" {
		return fmt.Errorf("%s not configured in %s", field, configPath)
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if path := flags.value("save"); path != "" {
		if err := (auth.FileProvider{Path: path}).Save(token); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s saved token: %s\n", color.GreenString("✓"), path)
	}
	fmt.Fprintln(out, token)
	return nil
}
