package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Direction is an SDP media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// ErrNoAudio is returned when an SDP body has no usable audio stream.
var ErrNoAudio = errors.New("sdp: no usable audio media")

// LocalDescription describes our side of the audio stream.
type LocalDescription struct {
	Addr      string
	Port      int
	SessionID uint64
	Version   uint64
	Direction Direction
}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// BuildSDP renders an audio offer or answer advertising PCMU, PCMA and
// telephone-event.
func BuildSDP(l LocalDescription) ([]byte, error) {
	if l.Direction == "" {
		l.Direction = SendRecv
	}
	formats := []string{"0", "8", "101"}

	attrs := make([]sdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmaps[f]})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: string(l.Direction)},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "agentphone",
			SessionID:      l.SessionID,
			SessionVersion: l.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: l.Addr,
		},
		SessionName: "agentphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: l.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: l.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp: %w", err)
	}
	return body, nil
}

// RemoteMedia is the negotiated far-end audio stream.
type RemoteMedia struct {
	Addr            string
	Port            int
	PayloadType     uint8
	DTMFPayloadType uint8
	Direction       Direction
}

// UDPAddr resolves the remote RTP address.
func (r *RemoteMedia) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(r.Addr, strconv.Itoa(r.Port)))
}

// ParseSDP extracts the first audio stream carrying G.711 from body.
func ParseSDP(body []byte) (*RemoteMedia, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" || m.MediaName.Port.Value == 0 {
			continue
		}

		rm := &RemoteMedia{Port: m.MediaName.Port.Value, Direction: SendRecv}
		switch {
		case m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil:
			rm.Addr = m.ConnectionInformation.Address.Address
		case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
			rm.Addr = desc.ConnectionInformation.Address.Address
		default:
			return nil, errors.New("sdp: no connection address")
		}

		codec := -1
		for _, f := range m.MediaName.Formats {
			if f == "0" || f == "8" {
				pt, _ := strconv.Atoi(f)
				codec = pt
				break
			}
		}
		if codec < 0 {
			continue
		}
		rm.PayloadType = uint8(codec)

		for _, a := range m.Attributes {
			switch a.Key {
			case "rtpmap":
				pt, enc, ok := strings.Cut(a.Value, " ")
				if ok && strings.HasPrefix(strings.ToLower(enc), "telephone-event/") {
					if n, err := strconv.Atoi(pt); err == nil {
						rm.DTMFPayloadType = uint8(n)
					}
				}
			case string(SendRecv), string(SendOnly), string(RecvOnly), string(Inactive):
				rm.Direction = Direction(a.Key)
			}
		}
		return rm, nil
	}
	return nil, ErrNoAudio
}
