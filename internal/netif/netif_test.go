package netif

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHwTypeFromEncap(t *testing.T) {
	tests := []struct {
		encap string
		hwlen int
		want  uint16
	}{
		{"ether", 6, HwEther},
		{"ieee802", 6, HwIEEE802},
		{"infiniband", 20, HwInfiniband},
		{"ppp", 0, HwPPP},
		{"loopback", 6, HwLoopback},
		{"none", 0, HwNone},
		{"", 6, HwEther},
		{"wat", 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hwTypeFromEncap(tt.encap, tt.hwlen), tt.encap)
	}
}

func TestFromNet(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	ifi := FromNet(&net.Interface{Index: 7, Name: "eth0", HardwareAddr: mac, MTU: 1500})

	assert.Equal(t, Interface{Index: 7, Name: "eth0", HwType: HwEther, HwAddr: mac, MTU: 1500}, ifi)
	assert.Equal(t, "eth0(7)", ifi.String())
	assert.Equal(t, 7, ifi.Net().Index)
}

func TestByNameLoopback(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skip("no interfaces")
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback == 0 {
			continue
		}
		got, err := ByName(i.Name)
		if err != nil {
			t.Skipf("resolve %s: %v", i.Name, err)
		}
		assert.Equal(t, i.Index, got.Index)
		return
	}
	t.Skip("no loopback interface")
}
