package media

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildSDP(t *testing.T) {
	body, err := BuildSDP(LocalDescription{
		Addr:      "10.0.0.5",
		Port:      40000,
		SessionID: 42,
		Version:   1,
	})
	if err != nil {
		t.Fatalf("BuildSDP: %v", err)
	}
	s := string(body)
	for _, want := range []string{
		"c=IN IP4 10.0.0.5",
		"m=audio 40000 RTP/AVP 0 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=sendrecv",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("sdp missing %q:\n%s", want, s)
		}
	}
}

func TestBuildSDP_Hold(t *testing.T) {
	body, err := BuildSDP(LocalDescription{Addr: "10.0.0.5", Port: 40000, Direction: SendOnly})
	if err != nil {
		t.Fatalf("BuildSDP: %v", err)
	}
	if !strings.Contains(string(body), "a=sendonly") {
		t.Errorf("hold offer missing a=sendonly:\n%s", body)
	}
	if strings.Contains(string(body), "a=sendrecv") {
		t.Errorf("hold offer still sendrecv:\n%s", body)
	}
}

func TestParseSDP(t *testing.T) {
	answer := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.10\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 8 96\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n" +
		"a=recvonly\r\n"

	rm, err := ParseSDP([]byte(answer))
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	if rm.Addr != "192.0.2.10" || rm.Port != 30000 {
		t.Errorf("remote = %s:%d, want 192.0.2.10:30000", rm.Addr, rm.Port)
	}
	if rm.PayloadType != PayloadPCMA {
		t.Errorf("PayloadType = %d, want %d", rm.PayloadType, PayloadPCMA)
	}
	if rm.DTMFPayloadType != 96 {
		t.Errorf("DTMFPayloadType = %d, want 96", rm.DTMFPayloadType)
	}
	if rm.Direction != RecvOnly {
		t.Errorf("Direction = %s, want recvonly", rm.Direction)
	}
	addr, err := rm.UDPAddr()
	if err != nil {
		t.Fatalf("UDPAddr: %v", err)
	}
	if addr.Port != 30000 {
		t.Errorf("UDPAddr port = %d", addr.Port)
	}
}

func TestParseSDP_RoundTrip(t *testing.T) {
	body, err := BuildSDP(LocalDescription{Addr: "127.0.0.1", Port: 5004})
	if err != nil {
		t.Fatalf("BuildSDP: %v", err)
	}
	rm, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	if rm.PayloadType != PayloadPCMU || rm.DTMFPayloadType != PayloadTelephoneEvent {
		t.Errorf("codecs = %d/%d, want PCMU/101", rm.PayloadType, rm.DTMFPayloadType)
	}
}

func TestParseSDP_NoG711(t *testing.T) {
	offer := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.10\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 18\r\n" +
		"a=rtpmap:18 G729/8000\r\n"
	if _, err := ParseSDP([]byte(offer)); !errors.Is(err, ErrNoAudio) {
		t.Errorf("ParseSDP = %v, want ErrNoAudio", err)
	}
}
