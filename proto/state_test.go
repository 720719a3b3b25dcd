package proto

import "testing"

func TestCanTransitionLegalPaths(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Unconnected, Connecting, true},
		{Connecting, Authorizing, true},
		{Authorizing, SettingName, true},
		{SettingName, Ready, true},
		{Ready, Failed, true},
		{Ready, Terminated, true},
		{Failed, Connecting, true},
		{Terminated, Connecting, true},
		{Unconnected, Ready, false},
		{Ready, Authorizing, false},
		{Ready, Unconnected, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
