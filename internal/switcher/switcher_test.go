package switcher

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/John-Progr/MAITRE-DTs/internal/execx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeRoutes struct {
	routes  []netlink.Route
	deleted []string
	delErr  map[string]error
	listErr error
}

func (f *fakeRoutes) RouteList(netlink.Link, int) ([]netlink.Route, error) {
	return f.routes, f.listErr
}

func (f *fakeRoutes) RouteReplace(r *netlink.Route) error {
	for i, existing := range f.routes {
		if existing.Dst != nil && existing.Dst.String() == r.Dst.String() {
			f.routes[i] = *r
			return nil
		}
	}
	f.routes = append(f.routes, *r)
	return nil
}

func (f *fakeRoutes) RouteDel(r *netlink.Route) error {
	key := r.Dst.String()
	if err := f.delErr[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func hostRoute(dst, gw string) netlink.Route {
	return netlink.Route{
		Dst: &net.IPNet{IP: net.ParseIP(dst).To4(), Mask: net.CIDRMask(32, 32)},
		Gw:  net.ParseIP(gw).To4(),
	}
}

func TestFlush_OnlyGatewayedSubnetRoutes(t *testing.T) {
	_, lan, _ := net.ParseCIDR("192.168.2.0/24")
	ops := &fakeRoutes{routes: []netlink.Route{
		{Gw: net.ParseIP("10.0.0.1")},
		{Dst: lan},
		hostRoute("192.168.2.100", "192.168.2.40"),
		hostRoute("10.1.1.1", "10.0.0.1"),
		hostRoute("192.168.2.80", "192.168.2.50"),
	}}
	s, err := newSwitcher("192.168.2.0/24", ops)
	require.NoError(t, err)

	n, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"192.168.2.100/32", "192.168.2.80/32"}, ops.deleted)
}

func TestFlush_ContinuesPastFailures(t *testing.T) {
	ops := &fakeRoutes{
		routes: []netlink.Route{
			hostRoute("192.168.2.100", "192.168.2.40"),
			hostRoute("192.168.2.80", "192.168.2.50"),
		},
		delErr: map[string]error{"192.168.2.100/32": errors.New("no such process")},
	}
	s, err := newSwitcher("192.168.2.0/24", ops)
	require.NoError(t, err)

	n, err := s.Flush()
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"192.168.2.80/32"}, ops.deleted)
}

func TestFlush_ListError(t *testing.T) {
	s, err := newSwitcher("192.168.2.0/24", &fakeRoutes{listErr: errors.New("netlink down")})
	require.NoError(t, err)
	_, err = s.Flush()
	assert.Error(t, err)
}

func TestAddHostRoute_Idempotent(t *testing.T) {
	ops := &fakeRoutes{}
	s, err := newSwitcher("192.168.2.0/24", ops)
	require.NoError(t, err)

	require.NoError(t, s.AddHostRoute("192.168.2.100", "192.168.2.40"))
	require.NoError(t, s.AddHostRoute("192.168.2.100", "192.168.2.40"))
	require.NoError(t, s.AddHostRoute("192.168.2.100", "192.168.2.50"))

	routes, err := s.HostRoutes()
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "192.168.2.100 via 192.168.2.50", routes[0].String())
	assert.True(t, s.IsRoutedVia("192.168.2.100", "192.168.2.50"))
	assert.False(t, s.IsRoutedVia("192.168.2.100", "192.168.2.40"))
}

func TestAddHostRoute_InvalidAddress(t *testing.T) {
	s, err := newSwitcher("192.168.2.0/24", &fakeRoutes{})
	require.NoError(t, err)
	assert.Error(t, s.AddHostRoute("not-an-ip", "192.168.2.40"))
	assert.Error(t, s.AddHostRoute("192.168.2.100", ""))
}

func TestNewSwitcher_InvalidSubnet(t *testing.T) {
	_, err := NewSwitcher("192.168.2.0")
	assert.Error(t, err)
}

func TestRadio_Commands(t *testing.T) {
	rec := execx.NewRecorder()
	r := NewRadio(rec, "wlan0")
	ctx := context.Background()

	require.NoError(t, r.SetRegion(ctx, "GR"))
	require.NoError(t, r.SetChannel(ctx, 11))
	require.NoError(t, r.EnableForwarding(ctx))

	assert.Equal(t, []string{
		"iw reg set GR",
		"iwconfig wlan0 channel 11",
		"sysctl -w net.ipv4.ip_forward=1",
	}, rec.Lines())
}

func TestRadio_Failure(t *testing.T) {
	rec := execx.NewRecorder()
	rec.Failures["iwconfig wlan0 channel 165"] = errors.New("invalid argument")

	err := NewRadio(rec, "wlan0").SetChannel(context.Background(), 165)
	assert.EqualError(t, err, "invalid argument")
}
