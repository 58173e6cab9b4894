package switcher

import (
	"context"
	"strconv"

	"github.com/John-Progr/MAITRE-DTs/internal/execx"
	"github.com/rs/zerolog/log"
)

// Radio drives the wireless interface through the system tools.
type Radio struct {
	run   execx.Runner
	iface string
}

// NewRadio expects a runner that already carries any privilege escalation.
func NewRadio(run execx.Runner, iface string) *Radio {
	return &Radio{run: run, iface: iface}
}

func (r *Radio) SetRegion(ctx context.Context, region string) error {
	if err := r.run.Run(ctx, "iw", "reg", "set", region); err != nil {
		return err
	}
	log.Info().Str("region", region).Msg("wireless region set")
	return nil
}

func (r *Radio) SetChannel(ctx context.Context, channel int) error {
	if err := r.run.Run(ctx, "iwconfig", r.iface, "channel", strconv.Itoa(channel)); err != nil {
		return err
	}
	log.Info().Str("iface", r.iface).Int("channel", channel).Msg("wireless channel set")
	return nil
}

func (r *Radio) EnableForwarding(ctx context.Context) error {
	if err := r.run.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return err
	}
	log.Info().Msg("ip forwarding enabled")
	return nil
}
