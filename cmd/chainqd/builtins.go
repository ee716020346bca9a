package main

import (
	"context"

	"github.com/queueworks/chainq/internal/registry"
)

// registerBuiltins installs the functions every chainqd deployment carries.
// Applications embedding the queue packages register their own functions
// beside these.
func registerBuiltins(reg *registry.Registry) error {
	// chainq.ping verifies end-to-end dispatch on a fresh deployment.
	return reg.Register(registry.TaskFunc{
		Name: "chainq.ping",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			return "pong", nil
		},
	})
}
