package instance

import "github.com/angelmondragon/photoproc/pkg/env"

const defaultID = "worker-0"

// GetID returns the worker instance identifier or a default value.
func GetID() string {
	return env.Get("WORKER_ID", defaultID)
}
