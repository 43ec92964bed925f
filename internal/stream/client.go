package stream

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// Client is a websocket subscriber. Only the hub goroutine writes to it.
type Client struct {
	conn   *websocket.Conn
	logger logrus.FieldLogger
}

func NewClient(conn *websocket.Conn, logger logrus.FieldLogger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.WithError(err).Warn("Websocket send failed")
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *Client) Close() {
	_ = c.conn.Close()
}
