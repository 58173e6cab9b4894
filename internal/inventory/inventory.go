package inventory

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/pkg/errors"
)

var ErrUnsupportedChannel = errors.New("unsupported wireless channel")

type Device struct {
	IP string
	ID string
}

type Channel struct {
	Number    int
	Frequency int // MHz
	Regions   []string
}

// Inventory is the static testbed description: which device answers on which
// address, and which channels are legal in which regulatory region.
type Inventory struct {
	byIP     map[string]string
	byID     map[string]string
	channels map[int]Channel
}

var defaultDevices = []Device{
	{IP: "192.168.2.10", ID: "device1"},
	{IP: "192.168.2.20", ID: "device2"},
	{IP: "192.168.2.30", ID: "device3"},
	{IP: "192.168.2.40", ID: "device4"},
	{IP: "192.168.2.50", ID: "device5"},
	{IP: "192.168.2.70", ID: "device7"},
	{IP: "192.168.2.80", ID: "device8"},
	{IP: "192.168.2.100", ID: "device10"},
}

func defaultChannels() []Channel {
	var out []Channel
	// 2.4 GHz
	for ch := 1; ch <= 13; ch++ {
		out = append(out, Channel{Number: ch, Frequency: 2407 + 5*ch, Regions: []string{"GR"}})
	}
	out = append(out, Channel{Number: 14, Frequency: 2484})

	// 5 GHz
	for _, ch := range []int{36, 40, 44, 48} {
		out = append(out, Channel{Number: ch, Frequency: 5000 + 5*ch, Regions: []string{"GR"}})
	}
	for _, ch := range []int{52, 56, 60, 64, 100, 104, 108, 112, 116, 120, 124, 128, 132, 136, 140, 144} {
		out = append(out, Channel{Number: ch, Frequency: 5000 + 5*ch})
	}
	for _, ch := range []int{149, 153, 157, 161, 165} {
		out = append(out, Channel{Number: ch, Frequency: 5000 + 5*ch, Regions: []string{"BR"}})
	}
	return out
}

// Default returns the inventory of the lab testbed.
func Default() *Inventory {
	inv, err := New(defaultDevices, defaultChannels())
	if err != nil {
		panic(err)
	}
	return inv
}

func New(devices []Device, channels []Channel) (*Inventory, error) {
	inv := &Inventory{
		byIP:     make(map[string]string, len(devices)),
		byID:     make(map[string]string, len(devices)),
		channels: make(map[int]Channel, len(channels)),
	}
	for _, d := range devices {
		if net.ParseIP(d.IP) == nil {
			return nil, fmt.Errorf("device %q: invalid ip %q", d.ID, d.IP)
		}
		if d.ID == "" {
			return nil, fmt.Errorf("device at %s has no id", d.IP)
		}
		if _, dup := inv.byIP[d.IP]; dup {
			return nil, fmt.Errorf("duplicate device ip %s", d.IP)
		}
		if _, dup := inv.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %s", d.ID)
		}
		inv.byIP[d.IP] = d.ID
		inv.byID[d.ID] = d.IP
	}
	for _, c := range channels {
		if c.Number <= 0 {
			return nil, fmt.Errorf("invalid channel number %d", c.Number)
		}
		regions := make([]string, 0, len(c.Regions))
		for _, r := range c.Regions {
			regions = append(regions, strings.ToUpper(r))
		}
		c.Regions = regions
		inv.channels[c.Number] = c
	}
	return inv, nil
}

// FromConfig builds the inventory from configuration; an empty section keeps
// the lab defaults for that table.
func FromConfig(cfg config.InventoryConfig) (*Inventory, error) {
	devices := defaultDevices
	if len(cfg.Devices) > 0 {
		devices = make([]Device, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			devices = append(devices, Device{IP: d.IP, ID: d.ID})
		}
	}
	channels := defaultChannels()
	if len(cfg.Channels) > 0 {
		channels = make([]Channel, 0, len(cfg.Channels))
		for _, c := range cfg.Channels {
			channels = append(channels, Channel{Number: c.Channel, Frequency: c.Frequency, Regions: c.Regions})
		}
	}
	return New(devices, channels)
}

func (i *Inventory) DeviceID(ip string) (string, bool) {
	id, ok := i.byIP[ip]
	return id, ok
}

func (i *Inventory) IPOf(deviceID string) (string, bool) {
	ip, ok := i.byID[deviceID]
	return ip, ok
}

// Devices lists the fleet ordered by device id.
func (i *Inventory) Devices() []Device {
	out := make([]Device, 0, len(i.byID))
	for id, ip := range i.byID {
		out = append(out, Device{IP: ip, ID: id})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Region is the regulatory region a channel is configured under: the first
// region listed for it.
func (i *Inventory) Region(channel int) (string, error) {
	c, ok := i.channels[channel]
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedChannel, "channel %d is unknown", channel)
	}
	if len(c.Regions) == 0 {
		return "", errors.Wrapf(ErrUnsupportedChannel, "channel %d is not legal in any region", channel)
	}
	return c.Regions[0], nil
}

func (i *Inventory) Frequency(channel int) (int, bool) {
	c, ok := i.channels[channel]
	return c.Frequency, ok
}

func (i *Inventory) Allowed(channel int, region string) bool {
	c, ok := i.channels[channel]
	if !ok {
		return false
	}
	region = strings.ToUpper(region)
	for _, r := range c.Regions {
		if r == region {
			return true
		}
	}
	return false
}

func (i *Inventory) ChannelsForRegion(region string) []int {
	var out []int
	for n := range i.channels {
		if i.Allowed(n, region) {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
