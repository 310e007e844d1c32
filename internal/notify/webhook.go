package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"murmurscreen/internal/contract"
)

// Message is the outbound webhook body.
type Message struct {
	Text string `json:"text"`
}

// Notifier posts alerts for elevated screening results to a chat-style webhook.
type Notifier struct {
	url   string
	httpc *http.Client
}

// New returns a Notifier; an empty url disables it.
func New(url string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{url: strings.TrimSpace(url), httpc: &http.Client{Timeout: timeout}}
}

func (n *Notifier) Enabled() bool { return n != nil && n.url != "" }

// Send posts msg. It is a no-op when the notifier is disabled.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Elevated sends an alert when p has high concern or needs a retake. It reports whether a message was sent.
func (n *Notifier) Elevated(ctx context.Context, p contract.PredictResponse) (bool, error) {
	if !n.Enabled() || !p.Elevated() {
		return false, nil
	}
	return true, n.Send(ctx, Message{Text: Summarize(p)})
}

// Summarize formats a one-line alert for p.
func Summarize(p contract.PredictResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Heart sound screening: patient %s (%s) concern %s, murmur %s %.0f%%",
		p.Input.PatientID, p.Input.AuscultationSite, strings.ToUpper(p.Risk.ScreeningConcernLevel),
		p.Murmur.Label, p.Murmur.CalibratedProbability*100)
	if p.Quality.RetakeRecommended {
		fmt.Fprintf(&b, "; retake recommended (%s)", strings.Join(p.Quality.RetakeReasons, ", "))
	}
	fmt.Fprintf(&b, " [request %s]", p.RequestID)
	return b.String()
}
