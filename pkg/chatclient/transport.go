package chatclient

import (
	"fmt"
	"strings"

	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/transport"
	"github.com/bitechdev/ChatMux/pkg/transport/memory"
	"github.com/bitechdev/ChatMux/pkg/transport/mqtt"
	"github.com/bitechdev/ChatMux/pkg/transport/nats"
	"github.com/bitechdev/ChatMux/pkg/transport/redis"
	"github.com/bitechdev/ChatMux/pkg/transport/stomp"
)

// FactoryFromConfig returns the adapter factory named by cfg.Provider.
// The memory provider also returns its broker; it routes "/publish/{room}"
// back to "/topic/{room}" so a single process can chat with itself.
func FactoryFromConfig(cfg config.TransportConfig) (transport.Factory, *memory.Broker, error) {
	switch cfg.Provider {
	case "stomp", "":
		return stomp.New, nil, nil
	case "mqtt":
		return mqtt.New, nil, nil
	case "nats":
		return nats.New, nil, nil
	case "redis":
		return redis.New, nil, nil
	case "memory":
		b := memory.NewBroker()
		b.SetRoute(loopback)
		return b.Factory(), b, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport provider: %s", cfg.Provider)
	}
}

// transportURL fills in a redis URL from the host settings when none is
// configured.
func transportURL(cfg config.TransportConfig) string {
	if cfg.Provider == "redis" && (cfg.URL == "" || !strings.HasPrefix(cfg.URL, "redis")) {
		r := cfg.Redis
		return redis.URL(r.Host, r.Port, r.Password, r.DB)
	}
	return cfg.URL
}

func loopback(destination string) string {
	if room, ok := strings.CutPrefix(destination, "/publish/"); ok {
		return "/topic/" + room
	}
	return ""
}
