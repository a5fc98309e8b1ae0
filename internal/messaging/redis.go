package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"network-service/internal/logger"
	"network-service/internal/types"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	network               hash with the published state snapshot
//	network:credentials   hash holding WLAN_SSID/WLAN_PASSWORD/AP_SSID/AP_PASSWORD
//	network:connect       list queue, values "sta", "ap" or "auto"
//	network:deactivate    list queue, values "sta" or "ap"
//	network:reset         list queue, value "reset"
//	network:commands      pub/sub mirror of the queues ("connect:sta", "reset", ...)
//	settings              hash + pub/sub channel for runtime tunables
//	network:fault         set of active fault kinds
//	events:faults         capped stream of fault events
const (
	StateHash       = "network"
	CredentialsHash = "network:credentials"
	SettingsHash    = "settings"
	FaultSet        = "network:fault"
	FaultStream     = "events:faults"
)

type Callbacks struct {
	ConnectCallback    func(target string) error // "sta", "ap" or "auto"
	DeactivateCallback func(mode string) error   // "sta" or "ap"
	ResetCallback      func() error
	SettingsCallback   func(key string) error // settings key that was updated (e.g. "network.connect-timeout-ms")
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		logger: l,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetCallbacks installs the command and settings handlers. Must be called
// before StartListening.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")

	ssid, err := r.client.HGet(r.ctx, CredentialsHash, "WLAN_SSID").Result()
	if err != nil && err != redis.Nil {
		r.logger.Warnf("Failed to read provisioning state: %v", err)
	} else {
		r.logger.Infof("Station credentials provisioned: %v", err == nil && ssid != "")
	}

	return nil
}

// StartListening starts all Redis listeners after system initialization is complete
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, "network:commands", "settings")
	r.logger.Infof("Subscribed to Redis channels: network:commands, settings")

	r.wg.Add(1)
	go r.redisListener(pubsub)

	// List queues for LPUSH commands from other services
	r.wg.Add(3)
	go r.listCommandListener("network:connect", r.handleConnectCommand)
	go r.listCommandListener("network:deactivate", r.handleDeactivateCommand)
	go r.listCommandListener("network:reset", r.handleResetCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					// Timeout elapsed, loop back to check context
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				continue
			}

			select {
			case <-r.ctx.Done():
				r.logger.Infof("Context cancelled, exiting %s listener", key)
				return
			default:
				if len(result) >= 2 { // BRPOP returns [key, value]
					value := result[1]
					r.logger.Debugf("Received command from %s: %s", key, value)
					if err := handler(value); err != nil {
						r.logger.Warnf("Error handling %s command: %v", key, err)
					}
				}
			}
		}
	}
}

func (r *RedisClient) handleConnectCommand(value string) error {
	if r.callbacks.ConnectCallback == nil {
		return nil
	}
	switch value {
	case "sta", "ap", "auto":
		return r.callbacks.ConnectCallback(value)
	default:
		r.logger.Infof("Invalid connect command value: %s", value)
		return fmt.Errorf("invalid connect command: %s", value)
	}
}

func (r *RedisClient) handleDeactivateCommand(value string) error {
	if r.callbacks.DeactivateCallback == nil {
		return nil
	}
	switch value {
	case "sta", "ap":
		return r.callbacks.DeactivateCallback(value)
	default:
		r.logger.Infof("Invalid deactivate command value: %s", value)
		return fmt.Errorf("invalid deactivate command: %s", value)
	}
}

func (r *RedisClient) handleResetCommand(value string) error {
	if r.callbacks.ResetCallback == nil {
		return nil
	}
	if value != "reset" {
		r.logger.Infof("Invalid reset command value: %s", value)
		return fmt.Errorf("invalid reset command: %s", value)
	}
	return r.callbacks.ResetCallback()
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok {
				r.logger.Infof("Redis channel closed unexpectedly")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}
			if msg == nil {
				r.logger.Infof("Received nil Redis message")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			switch msg.Channel {
			case "network:commands":
				r.processCommandMessage(msg.Payload)

			case "settings":
				if r.callbacks.SettingsCallback != nil {
					r.logger.Infof("Processing settings update: %s", msg.Payload)
					if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
						r.logger.Infof("Failed to handle settings update: %v", err)
					}
				}
			}
		}
	}
}

// processCommandMessage handles the pub/sub mirror of the command queues.
// The payload is either a bare verb ("reset") or verb:argument.
func (r *RedisClient) processCommandMessage(payload string) {
	verb, arg, _ := strings.Cut(payload, ":")

	var err error
	switch verb {
	case "connect":
		err = r.handleConnectCommand(arg)
	case "deactivate":
		err = r.handleDeactivateCommand(arg)
	case "reset":
		err = r.handleResetCommand("reset")
	default:
		r.logger.Infof("Unhandled command payload: %s", payload)
		return
	}

	if err != nil {
		r.logger.Infof("Error handling command %q: %v", payload, err)
	}
}

// GetCredential reads one field of the credentials hash. The boolean
// reports whether the field exists; an absent field is not an error.
func (r *RedisClient) GetCredential(key string) (string, bool, error) {
	value, err := r.client.HGet(r.ctx, CredentialsHash, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get credential %s: %w", key, err)
	}
	return value, true, nil
}

// SetCredential writes one field of the credentials hash and notifies
// subscribers through the settings channel.
func (r *RedisClient) SetCredential(key, value string) error {
	return r.publishHashSet(CredentialsHash, key, value, "settings", "network.credentials")
}

// GetSetting reads a runtime tunable; missing keys yield an empty string.
func (r *RedisClient) GetSetting(key string) (string, error) {
	value, err := r.client.HGet(r.ctx, SettingsHash, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// publishHashSet is a helper that atomically updates a hash field and publishes a notification
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishNetworkStatus writes the full state snapshot and signals the
// change on the "network" channel.
func (r *RedisClient) PublishNetworkStatus(status types.NetworkStatus) error {
	r.logger.Debugf("Publishing network state: %s", status.Path)
	timestamp := time.Now().Format(time.RFC3339)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, StateHash, "state", status.State)
	pipe.HSet(r.ctx, StateHash, "state:path", status.Path)
	pipe.HSet(r.ctx, StateHash, "mode", status.Mode)
	pipe.HSet(r.ctx, StateHash, "attempts", status.Attempts)
	pipe.HSet(r.ctx, StateHash, "state:timestamp", timestamp)

	if status.Error == types.ErrorKindNone {
		pipe.HDel(r.ctx, StateHash, "error", "error:message")
	} else {
		pipe.HSet(r.ctx, StateHash, "error", string(status.Error))
		pipe.HSet(r.ctx, StateHash, "error:message", status.ErrorMessage)
	}

	if status.IPAddress == "" {
		pipe.HDel(r.ctx, StateHash, "ip")
	} else {
		pipe.HSet(r.ctx, StateHash, "ip", status.IPAddress)
	}

	pipe.Publish(r.ctx, StateHash, "state")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to publish network state: %v", err)
		return err
	}

	r.logger.Debugf("Successfully published network state with timestamp: %s", timestamp)
	return nil
}

// ReportFaultPresent records an active fault kind and appends a fault
// event to the capped stream.
func (r *RedisClient) ReportFaultPresent(kind types.ErrorKind, message string) error {
	r.logger.Infof("Reporting fault present: kind=%s, message=%s", kind, message)

	eventData := map[string]interface{}{
		"group": "network",
		"kind":  string(kind),
		"ts":    time.Now().Unix(),
	}
	if message != "" {
		eventData["message"] = message
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, FaultSet, string(kind))
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: FaultStream,
		MaxLen: 1000,
		Values: eventData,
	})
	pipe.Publish(r.ctx, StateHash, "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Infof("Failed to report fault present: %v", err)
		return err
	}
	return nil
}

// ReportFaultAbsent clears a previously reported fault kind.
func (r *RedisClient) ReportFaultAbsent(kind types.ErrorKind) error {
	r.logger.Infof("Reporting fault absent: kind=%s", kind)

	pipe := r.client.Pipeline()
	pipe.SRem(r.ctx, FaultSet, string(kind))
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: FaultStream,
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group":   "network",
			"kind":    string(kind),
			"cleared": 1,
		},
	})
	pipe.Publish(r.ctx, StateHash, "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Infof("Failed to report fault absent: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
