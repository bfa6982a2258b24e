package control

import (
	"encoding/json"
	"fmt"

	"github.com/wharfctl/wharf/internal/model"
)

// decode unmarshals a protocol.Envelope's raw Payload into a concrete
// struct for the message Type being handled.
func decode(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("control: decode envelope payload: %w", err)
	}
	return nil
}

func stringToDeploymentStatus(s string) model.DeploymentStatus {
	return model.DeploymentStatus(s)
}

func stringToHealthStatus(s string) model.HealthStatus {
	return model.HealthStatus(s)
}
