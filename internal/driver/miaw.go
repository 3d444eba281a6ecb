package driver

import (
	"context"

	"github.com/agentgauge/agentgauge/internal/miaw"
)

type miawTransport struct {
	client *miaw.Client
}

// NewMIAWTransport adapts a MIAW client to the Transport interface.
func NewMIAWTransport(client *miaw.Client) Transport {
	return miawTransport{client: client}
}

func (t miawTransport) Open(ctx context.Context) (Session, error) {
	conv, err := t.client.Open(ctx)
	if err != nil {
		return nil, err
	}
	return conv, nil
}
