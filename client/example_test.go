package client_test

import (
	"context"
	"net/http"
	"time"

	"fuelq-chat/client"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
)

func ExampleSession() {
	log := logrus.NewEntry(logrus.New())
	token := func() string { return "access-token" }

	manager := client.NewManager(client.ManagerConfig{
		URL:     "wss://fuelq.example/api/chat/ws",
		Token:   token,
		Backoff: client.DefaultBackoff(),
		Log:     log,
	})
	session := client.NewSession(client.SessionConfig{
		Self:      1,
		API:       client.NewHTTPAPI("https://fuelq.example", &http.Client{Timeout: 10 * time.Second}, token),
		Transport: manager,
		Notifier:  client.LogNotifier{Log: log},
		Log:       log,
	})
	manager.Bind(session)

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		return
	}
	defer manager.Close()

	_ = session.Open(ctx, protocol.InRoom(42))
	session.Keystroke()
	_, _ = session.Send(ctx, "hello")
}
