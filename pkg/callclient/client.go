package callclient

import (
	"context"

	"skillswap-backend/pkg/protocol"
)

// Config assembles a Client
type Config struct {
	Connector ConnectorConfig
	Machine   MachineConfig
	Outbox    OutboxConfig
	// APIBaseURL enables the durable chat path, e.g. https://api.example.com
	APIBaseURL string
}

// Client is one signed-in user: a connection, a call machine and a chat outbox
type Client struct {
	Conn  *Connector
	Calls *Machine
	Chat  *Outbox
}

// New wires the parts together; call Connect to go online
func New(cfg Config, presenter Presenter) *Client {
	c := &Client{}
	c.Conn = NewConnector(cfg.Connector, c.dispatch, presenter)
	c.Calls = NewMachine(cfg.Connector.UserID, cfg.Connector.UserName, c.Conn, presenter, cfg.Machine)

	var durable DurableStore
	if cfg.APIBaseURL != "" {
		durable = NewHTTPStore(cfg.APIBaseURL, cfg.Connector.Token, nil)
	}
	c.Chat = NewOutbox(cfg.Connector.UserID, c.Conn, durable, presenter, cfg.Outbox)
	return c
}

// Connect dials the relay
func (c *Client) Connect(ctx context.Context) error {
	return c.Conn.Connect(ctx)
}

func (c *Client) dispatch(msg *protocol.Message) {
	c.Calls.Handle(msg)
	c.Chat.Handle(msg)
}

// Close disconnects and stops all timers
func (c *Client) Close() {
	c.Calls.Close()
	c.Conn.Close()
	c.Chat.Close()
}
