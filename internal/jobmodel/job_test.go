// SPDX-License-Identifier: MIT

package jobmodel

import "testing"

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:    false,
		StatusAssigned:   false,
		StatusProcessing: false,
		StatusComplete:   true,
		StatusFailed:     true,
		StatusExpired:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Status(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusInFlight(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:    false,
		StatusAssigned:   true,
		StatusProcessing: true,
		StatusComplete:   false,
		StatusFailed:     false,
		StatusExpired:    false,
	}
	for status, want := range cases {
		if got := status.InFlight(); got != want {
			t.Errorf("Status(%q).InFlight() = %v, want %v", status, got, want)
		}
	}
}
