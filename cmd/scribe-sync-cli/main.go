// scribe-sync-cli pairs a controller and a capture engine over the
// in-memory transport and walks the full session flow offline: context
// broadcast, consent handshake, transcript reconciliation, teardown.
// Useful as a smoke tool when no relay or Redis is reachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/logging"
	"github.com/tiger/scribe-sync/internal/sync/engine"
	"github.com/tiger/scribe-sync/internal/sync/identity"
	"github.com/tiger/scribe-sync/internal/sync/registry"
	"github.com/tiger/scribe-sync/transports/memory"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "scribe-sync-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("scribe-sync-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "sess-demo", "session id the controller broadcasts")
	patient := fs.String("patient", "Jane Doe", "patient display name")
	token := fs.String("token", "demo", "pairing token shared by both devices")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	logger, err := logging.New(logging.Options{Level: "error", Output: stderr})
	if err != nil {
		return err
	}

	hub := memory.NewHub()
	dial := func(ctx context.Context, id identity.Identity) (transport.Connection, error) {
		return hub.Connect(), nil
	}

	controller, err := newEngine(envelope.RoleController, identity.Guest(*token), envelope.DeviceInfo{
		DeviceID:   "cli-controller",
		DeviceName: "Demo Desktop",
		DeviceType: envelope.DeviceDesktop,
	}, dial, logger)
	if err != nil {
		return fmt.Errorf("controller engine: %w", err)
	}
	capture, err := newEngine(envelope.RoleCapture, identity.Paired(*token), envelope.DeviceInfo{
		DeviceID:   "cli-capture",
		DeviceName: "Demo Phone",
		DeviceType: envelope.DeviceMobile,
	}, dial, logger)
	if err != nil {
		return fmt.Errorf("capture engine: %w", err)
	}

	ctx := context.Background()
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer controller.Stop()
	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer capture.Stop()
	fmt.Fprintf(stdout, "paired on token %q, controller sees %d peer device(s)\n", *token, len(controller.Devices()))

	if err := controller.SetSessionContext(ctx, *sessionID, *patient); err != nil {
		return fmt.Errorf("broadcast session: %w", err)
	}
	adopted, adoptedPatient := capture.ActiveSession()
	fmt.Fprintf(stdout, "capture adopted session %s (patient %s)\n", adopted, adoptedPatient)

	requestID, err := capture.RequestConsent()
	if err != nil {
		return fmt.Errorf("request consent: %w", err)
	}
	if pending := controller.RemotePendingConsent(); pending != requestID {
		return fmt.Errorf("controller never saw consent request %s", requestID)
	}
	if err := controller.GrantConsent(ctx, requestID); err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	fmt.Fprintf(stdout, "consent %s granted, recording=%v\n", requestID, capture.Recording())

	fragments := []string{
		"the patient reports sharp pain",
		"reports sharp pain in the left knee",
		"in the left knee after a fall yesterday",
	}
	for _, fragment := range fragments {
		if err := capture.SendTranscription(ctx, fragment, nil); err != nil {
			return fmt.Errorf("send transcription: %w", err)
		}
	}
	fmt.Fprintf(stdout, "transcript: %s\n", controller.Transcript())

	if err := controller.SendRecordingControl(ctx, envelope.ActionStop); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	fmt.Fprintf(stdout, "recording stopped, capture recording=%v\n", capture.Recording())

	// Each engine's roster holds its peers only, so the full device
	// list is the union of both views.
	var roster []string
	seen := map[string]bool{}
	for _, member := range append(capture.Devices(), controller.Devices()...) {
		if seen[member.Device.DeviceID] {
			continue
		}
		seen[member.Device.DeviceID] = true
		roster = append(roster, fmt.Sprintf("%s (%s/%s)", member.Device.DeviceName, member.Role, member.Device.DeviceType))
	}
	fmt.Fprintf(stdout, "roster: %s\n", strings.Join(roster, ", "))
	return nil
}

func newEngine(role envelope.Role, id identity.Identity, device envelope.DeviceInfo, dial registry.DialFunc, logger *slog.Logger) (*engine.Engine, error) {
	reg, err := registry.New(dial, logger)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Role:              role,
		Identity:          id,
		Device:            device,
		Registry:          reg,
		Logger:            logger,
		ConsentTimeout:    30 * time.Second,
		RebroadcastDelay:  200 * time.Millisecond,
		ReconnectDebounce: 50 * time.Millisecond,
	})
}
