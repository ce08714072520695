// Environment verbs (§4.10): get/set process environment variables.
package dispatcher

import (
	"context"
	"encoding/json"
	"os"

	"github.com/banksean/vminitd/internal/agenterr"
)

type getEnvRequest struct {
	Key string `json:"key"`
}

type getEnvResponse struct {
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

func (d *Dispatcher) handleGetEnv(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[getEnvRequest](payload, "dispatcher.GetEnv")
	if err != nil {
		return nil, err
	}
	v, ok := os.LookupEnv(req.Key)
	return getEnvResponse{Value: v, Set: ok}, nil
}

type setEnvRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (d *Dispatcher) handleSetEnv(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[setEnvRequest](payload, "dispatcher.SetEnv")
	if err != nil {
		return nil, err
	}
	if err := os.Setenv(req.Key, req.Value); err != nil {
		return nil, agenterr.Errno("dispatcher.SetEnv", err)
	}
	return nil, nil
}
