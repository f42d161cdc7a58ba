package telephony

import (
	"strings"
	"testing"
)

func TestRenderConnectStream(t *testing.T) {
	xml, err := RenderConnectStream("wss://agent.example.com/stream", map[string]string{
		"call_task_id": "t1",
		"campaign_id":  "c1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		"<Connect>",
		`<Stream url="wss://agent.example.com/stream">`,
		`<Parameter name="call_task_id" value="t1">`,
		`<Parameter name="campaign_id" value="c1">`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
	if strings.Index(xml, "call_task_id") > strings.Index(xml, "campaign_id") {
		t.Fatalf("expected parameters sorted by name: %s", xml)
	}
}

func TestRenderConnectStreamRequiresURL(t *testing.T) {
	if _, err := RenderConnectStream(" ", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderHangup(t *testing.T) {
	xml, err := RenderHangup()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Hangup>") {
		t.Fatalf("expected hangup verb: %s", xml)
	}
}
