package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ControlDataChannelLabel is the label the gateway's controller plugin
// expects. Janus relays text messages on it verbatim.
const ControlDataChannelLabel = "JanusDataChannel"

// Control messages are small JSON documents whose order matters (a stop must
// never overtake its play), so the channel has to be ordered and fully
// reliable.
func validateControlDataChannel(dc *webrtc.DataChannel, label string) error {
	if dc.Label() != label {
		return fmt.Errorf("expected label=%q (got %q)", label, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("control datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("control datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("control datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}

// controlDataChannelInit is what the local side offers when it opens the
// channel itself.
func controlDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}
