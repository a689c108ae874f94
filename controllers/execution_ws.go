package controller

import (
	"log"

	"github.com/gofiber/websocket/v2"

	"dunner/engine"
)

// HandleExecutionProgressWS streams notifier events to a client. It is
// a convenience layer; the status endpoint stays the source of truth.
func HandleExecutionProgressWS(notifier *engine.Notifier) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		events, cancel := notifier.Subscribe()
		defer cancel()

		// Reader goroutine: its exit (client went away) ends the stream.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := c.WriteJSON(ev); err != nil {
					log.Printf("Error writing execution event: %v", err)
					return
				}
			}
		}
	}
}
