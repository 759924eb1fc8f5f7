package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/undertaker/internal/activator"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/sirupsen/logrus"
)

// registerBuiltins makes a few static methods available to every server
// under the Undertaker type, so jobs can be enqueued without custom code.
func registerBuiltins(registry *activator.Registry, logger *logrus.Logger) error {
	builtins := map[string]activator.StaticMethod{
		"Log": func(ctx context.Context, params []types.Parameter) error {
			fields := logrus.Fields{}
			for i, p := range params {
				fields[fmt.Sprintf("param_%d", i)] = p.Value
			}
			logger.WithFields(fields).Info("Log job executed")
			return nil
		},
		"Sleep": func(ctx context.Context, params []types.Parameter) error {
			if len(params) == 0 {
				return errors.New("sleep needs a duration parameter")
			}
			d, err := time.ParseDuration(params[0].Value)
			if err != nil {
				return fmt.Errorf("invalid sleep duration: %w", err)
			}
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"Fail": func(ctx context.Context, params []types.Parameter) error {
			msg := "job failed on purpose"
			if len(params) > 0 {
				msg = params[0].Value
			}
			return errors.New(msg)
		},
	}

	for name, method := range builtins {
		if err := registry.RegisterStatic("Undertaker", name, method); err != nil {
			return err
		}
	}
	return nil
}
