package transport

import (
	"errors"
	"testing"
)

func TestAddressPlans(t *testing.T) {
	ctrl := DefaultControlPlan()
	data := DefaultDataPlan()

	tests := []struct {
		name string
		plan AddressPlan
		host int
		want string
	}{
		{"control coordinator", ctrl, 1, "192.168.0.1:9996"},
		{"control first station", ctrl, 2, "192.168.0.2:9996"},
		{"control crosses octet", ctrl, 300, "192.168.1.44:9996"},
		{"data coordinator", data, 1, "10.1.0.1:9998"},
		{"data last host", data, 2046, "10.1.7.254:9998"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.plan.Host(tt.host)
			if err != nil {
				t.Fatalf("Host(%d): %v", tt.host, err)
			}
			if got.String() != tt.want {
				t.Fatalf("Host(%d) = %s, want %s", tt.host, got, tt.want)
			}
		})
	}

	if ctrl.Capacity() != 2046 {
		t.Fatalf("Capacity() = %d, want 2046", ctrl.Capacity())
	}
	if _, err := ctrl.Host(2047); !errors.Is(err, ErrPlanExhausted) {
		t.Fatalf("Host(2047) error = %v, want ErrPlanExhausted", err)
	}
	sta, _ := ctrl.Station(0)
	coord, _ := ctrl.Coordinator()
	if sta.String() != "192.168.0.2:9996" || coord.String() != "192.168.0.1:9996" {
		t.Fatalf("Station(0)=%s Coordinator()=%s", sta, coord)
	}
}
