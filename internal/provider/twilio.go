package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com"

// Twilio sends through the Twilio Messages REST resource (or any server that
// speaks the same form/JSON contract).
type Twilio struct {
	BaseURL          string
	AccountSID       string
	AuthToken        string
	From             string
	MessagingService string
	HTTP             *http.Client
	// Parallel bounds SendMany fan-out.
	Parallel int
}

func NewTwilio(accountSID, authToken, from, messagingService string) *Twilio {
	return &Twilio{
		BaseURL:          twilioBaseURL,
		AccountSID:       accountSID,
		AuthToken:        authToken,
		From:             from,
		MessagingService: messagingService,
		HTTP:             &http.Client{Timeout: 15 * time.Second},
		Parallel:         4,
	}
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (t *Twilio) Send(ctx context.Context, to, body, statusCallback string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("Body", body)
	if t.MessagingService != "" {
		form.Set("MessagingServiceSid", t.MessagingService)
	} else if t.From != "" {
		form.Set("From", t.From)
	} else {
		return "", &Error{Code: "config", Message: "no From number or messaging service"}
	}
	if statusCallback != "" {
		form.Set("StatusCallback", statusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(t.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client().Do(req)
	if err != nil {
		return "", AsError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", AsError(err)
	}

	if resp.StatusCode >= 300 {
		var te twilioError
		if json.Unmarshal(raw, &te) == nil && te.Code != 0 {
			return "", &Error{Code: strconv.Itoa(te.Code), Message: te.Message}
		}
		return "", &Error{Code: "http_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}

	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", &Error{Code: "decode", Message: err.Error()}
	}
	if msg.ErrorCode != nil {
		e := &Error{Code: strconv.Itoa(*msg.ErrorCode)}
		if msg.ErrorMessage != nil {
			e.Message = *msg.ErrorMessage
		}
		return "", e
	}
	if msg.SID == "" {
		return "", &Error{Code: "decode", Message: "response without sid"}
	}
	return msg.SID, nil
}

func (t *Twilio) SendMany(ctx context.Context, msgs []Outgoing) []Result {
	return sendAll(ctx, msgs, t.Parallel, func(ctx context.Context, m Outgoing) (string, error) {
		return t.Send(ctx, m.To, m.Body, m.StatusCallback)
	})
}

func (t *Twilio) client() *http.Client {
	if t.HTTP == nil {
		return http.DefaultClient
	}
	return t.HTTP
}
