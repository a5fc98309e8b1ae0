package core

import (
	"fmt"
	"strconv"
	"time"

	"network-service/internal/fsm"
	"network-service/internal/hsm"
	"network-service/internal/netif"
)

// Runtime-tunable settings keys on the settings hash/channel.
const (
	settingCredentials     = "network.credentials"
	settingActivateTimeout = "network.activate-timeout-ms"
	settingConnectTimeout  = "network.connect-timeout-ms"
	settingMaxAttempts     = "network.max-connect-attempts"
)

// handleConnectCommand services the network:connect queue. "auto" kicks
// the lifecycle in the current branch; a mode name re-provisions into that
// branch when it is not already active.
func (s *NetworkSystem) handleConnectCommand(target string) error {
	s.logger.Infof("Connect command: %s", target)

	switch target {
	case "auto":
		// Whichever of the two applies to the resting state fires; the
		// other is dropped by the machine.
		s.machine.Send(hsm.Event{ID: fsm.EvActivateRequested})
		s.machine.Send(hsm.Event{ID: fsm.EvConnectRequested})
		return nil

	case "sta":
		if s.inBranch(fsm.StateStaMode) {
			s.machine.Send(hsm.Event{ID: fsm.EvActivateRequested})
			s.machine.Send(hsm.Event{ID: fsm.EvConnectRequested})
			return nil
		}
		// Clear any exhaustion marker so mode choice may pick station.
		return s.machine.SendSync(hsm.Event{
			ID:      fsm.EvResetRequested,
			Payload: fsm.ResetRequest{RetrySta: true},
		})

	case "ap":
		if s.inBranch(fsm.StateApMode) {
			s.machine.Send(hsm.Event{ID: fsm.EvActivateRequested})
			return nil
		}
		return s.machine.SendSync(hsm.Event{
			ID:      fsm.EvResetRequested,
			Payload: fsm.ResetRequest{SuppressSta: true},
		})

	default:
		return fmt.Errorf("unknown connect target %q", target)
	}
}

// handleDeactivateCommand services the network:deactivate queue.
func (s *NetworkSystem) handleDeactivateCommand(mode string) error {
	m, ok := netif.ParseMode(mode)
	if !ok {
		return fmt.Errorf("unknown deactivate mode %q", mode)
	}

	branch := fsm.StateApMode
	if m == netif.ModeSTA {
		branch = fsm.StateStaMode
	}
	if !s.inBranch(branch) {
		s.logger.Infof("Deactivate %s ignored, current state %s", mode, s.machine.CurrentPath())
		return nil
	}

	s.logger.Infof("Deactivate command: %s", mode)
	return s.machine.SendSync(hsm.Event{ID: fsm.EvDeactivateRequested})
}

// handleResetCommand services the network:reset queue.
func (s *NetworkSystem) handleResetCommand() error {
	s.logger.Infof("Reset command received")
	return s.machine.SendSync(hsm.Event{ID: fsm.EvResetRequested})
}

// handleSettingsUpdate reacts to settings channel notifications. Unknown
// keys belong to other services and are ignored.
func (s *NetworkSystem) handleSettingsUpdate(key string) error {
	switch key {
	case settingCredentials:
		if err := s.loadCredentials(); err != nil {
			return fmt.Errorf("failed to reload credentials: %w", err)
		}
		return s.machine.SendSync(hsm.Event{ID: fsm.EvCredentialsEvaluated})

	case settingActivateTimeout, settingConnectTimeout, settingMaxAttempts:
		return s.applyPolicySetting(key)

	default:
		return nil
	}
}

// applyPolicySetting reads one tunable from the settings hash and folds it
// into the policy. Timeout changes apply from the next timer start.
func (s *NetworkSystem) applyPolicySetting(key string) error {
	raw, err := s.redis.GetSetting(key)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.policy
	switch key {
	case settingActivateTimeout:
		updated.ActivateTimeout = time.Duration(value) * time.Millisecond
	case settingConnectTimeout:
		updated.ConnectTimeout = time.Duration(value) * time.Millisecond
	case settingMaxAttempts:
		updated.MaxConnectAttempts = value
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("rejecting %s=%d: %w", key, value, err)
	}

	s.policy = updated
	s.logger.Infof("Updated policy: %s=%d", key, value)
	return nil
}
