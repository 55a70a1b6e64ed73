package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/internal/keys"
	"github.com/systmms/smtprotate/internal/secretstore"
	"github.com/systmms/smtprotate/pkg/rotation"
)

// engine bundles the wired rotation components a command needs.
type engine struct {
	gateway     *rotation.Gateway
	coordinator *rotation.Coordinator
	store       *secretstore.Store
	keys        *keys.Provisioner
}

// buildEngine loads the configuration and wires the rotation engine against
// the real services (or the configured endpoint override).
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	def := cfg.Definition

	var storeOpts []secretstore.Option
	if def.Endpoint != "" {
		storeOpts = append(storeOpts, secretstore.WithEndpoint(def.Endpoint))
	}
	store, err := secretstore.New(ctx, def.Region, cfg.Logger, storeOpts...)
	if err != nil {
		return nil, err
	}

	provisioner, err := keys.New(ctx, def.Region, cfg.Logger)
	if err != nil {
		return nil, err
	}

	verifier, err := buildVerifier(def)
	if err != nil {
		return nil, err
	}

	gatewayOpts := []rotation.GatewayOption{rotation.WithStepTimeout(cfg.StepTimeout())}
	if def.Metrics.Enabled {
		gatewayOpts = append(gatewayOpts, rotation.WithMetrics(rotation.InitMetrics()))
	}

	coordinator := rotation.NewCoordinator(store, provisioner, verifier, cfg.Logger, cfg.RotationSettings())
	gateway := rotation.NewGateway(coordinator, store, cfg.Logger, gatewayOpts...)

	return &engine{
		gateway:     gateway,
		coordinator: coordinator,
		store:       store,
		keys:        provisioner,
	}, nil
}

func buildVerifier(def *config.Definition) (rotation.Verifier, error) {
	identity := &rotation.IdentityVerifier{
		Principal: def.Principal,
		Region:    def.Region,
	}
	smtp := &rotation.SMTPVerifier{}

	switch def.Verify.Mode {
	case "", "identity":
		return identity, nil
	case "smtp":
		return smtp, nil
	case "both":
		return rotation.ChainVerifier{identity, smtp}, nil
	}
	return nil, fmt.Errorf("unknown verify mode %q", def.Verify.Mode)
}

// ageOf renders a key age the way operators read it.
func ageOf(created time.Time, now time.Time) string {
	age := now.Sub(created)
	switch {
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 48*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
