package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/arbiter"
	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
	"github.com/camwatch/camwatch-server/pkg/crypto"
)

const maxDeviceIDLength = 64

// ValidateDeviceID rejects ids that cannot name a media directory
func ValidateDeviceID(id string) error {
	if id == "" || len(id) > maxDeviceIDLength || media.SafeName(id) != id || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid device id %q", errs.ErrValidation, id)
	}
	return nil
}

// device looks a device up. When contact is true the device is reaching
// the server itself: unknown ids are registered if auto-registration is
// on, and the last-contact time is refreshed.
func (c *Coordinator) device(ctx context.Context, id string, contact bool) (*models.Device, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}

	dev, err := c.store.GetDevice(ctx, id)
	if errors.Is(err, storage.ErrNotFound) && contact && c.opts.AutoRegister {
		dev, err = c.register(ctx, id)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("device %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get device: %v", errs.ErrStorage, err)
	}

	if contact {
		now := c.clock.Now()
		if err := c.store.TouchDevice(ctx, id, now); err != nil {
			log.Warn().Err(err).Str("device_id", id).Msg("Failed to update device last contact")
		} else {
			dev.LastSeenAt = &now
		}
	}
	return dev, nil
}

func (c *Coordinator) register(ctx context.Context, id string) (*models.Device, error) {
	dev := &models.Device{ID: id, Name: id, Enabled: true}
	err := c.store.CreateDevice(ctx, dev)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return c.store.GetDevice(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("device_id", id).Msg("Auto-registered device")
	return dev, nil
}

// Device returns a registered device without touching it
func (c *Coordinator) Device(ctx context.Context, id string) (*models.Device, error) {
	return c.device(ctx, id, false)
}

// AuthenticateDevice checks apiKey against the device's key hash. Devices
// without a key hash accept any caller.
func (c *Coordinator) AuthenticateDevice(ctx context.Context, id, apiKey string) (*models.Device, error) {
	dev, err := c.device(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if dev.HasAPIKey() && !crypto.VerifyAPIKey(apiKey, dev.APIKeyHash) {
		return nil, fmt.Errorf("device %s: %w", id, errs.ErrUnauthorized)
	}
	return dev, nil
}

// NewDevice is the input for registering a device
type NewDevice struct {
	ID          string
	Name        string
	Description string
	WithAPIKey  bool
}

// CreateDevice registers a device. When an API key is requested, the
// plain key is returned once and only its hash is stored.
func (c *Coordinator) CreateDevice(ctx context.Context, in NewDevice) (*models.Device, string, error) {
	if err := ValidateDeviceID(in.ID); err != nil {
		return nil, "", err
	}

	dev := &models.Device{ID: in.ID, Name: in.Name, Description: in.Description, Enabled: true}
	if dev.Name == "" {
		dev.Name = in.ID
	}

	var apiKey string
	if in.WithAPIKey {
		var err error
		if apiKey, err = crypto.GenerateAPIKey(24); err != nil {
			return nil, "", fmt.Errorf("generate api key: %w", err)
		}
		if dev.APIKeyHash, err = crypto.HashAPIKey(apiKey); err != nil {
			return nil, "", fmt.Errorf("hash api key: %w", err)
		}
	}

	if err := c.store.CreateDevice(ctx, dev); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, "", fmt.Errorf("%w: device %s already exists", errs.ErrValidation, in.ID)
		}
		return nil, "", fmt.Errorf("%w: create device: %v", errs.ErrStorage, err)
	}
	return dev, apiKey, nil
}

// SetDeviceEnabled enables or disables a device. A disabled device always
// polls ActionNone.
func (c *Coordinator) SetDeviceEnabled(ctx context.Context, id string, enabled bool) (*models.Device, error) {
	dev, err := c.device(ctx, id, false)
	if err != nil {
		return nil, err
	}
	dev.Enabled = enabled
	if err := c.store.UpdateDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("%w: update device: %v", errs.ErrStorage, err)
	}
	return dev, nil
}

// ListDevices lists registered devices
func (c *Coordinator) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	devices, total, err := c.store.ListDevices(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list devices: %v", errs.ErrStorage, err)
	}
	return devices, total, nil
}

// ActionState returns the device's pending command state without
// consuming anything
func (c *Coordinator) ActionState(ctx context.Context, id string) (arbiter.State, error) {
	if _, err := c.device(ctx, id, false); err != nil {
		return arbiter.State{}, err
	}
	return c.arbiter.Snapshot(id), nil
}

// SeedDevices upserts configured devices
func (c *Coordinator) SeedDevices(ctx context.Context, seeds []config.DeviceSeed) error {
	for _, seed := range seeds {
		if err := ValidateDeviceID(seed.ID); err != nil {
			return err
		}
		dev := &models.Device{
			ID:          seed.ID,
			Name:        seed.Name,
			Description: seed.Description,
			Enabled:     !seed.Disabled,
		}
		if dev.Name == "" {
			dev.Name = seed.ID
		}
		if seed.APIKey != "" {
			hash, err := crypto.HashAPIKey(seed.APIKey)
			if err != nil {
				return fmt.Errorf("hash api key for %s: %w", seed.ID, err)
			}
			dev.APIKeyHash = hash
		}
		if err := c.store.UpsertDevice(ctx, dev); err != nil {
			return fmt.Errorf("%w: seed device %s: %v", errs.ErrStorage, seed.ID, err)
		}
	}
	if len(seeds) > 0 {
		log.Info().Int("count", len(seeds)).Msg("Seeded devices")
	}
	return nil
}
