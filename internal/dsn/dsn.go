// Package dsn builds RFC 3464 delivery status notifications for messages
// that could not be delivered to every recipient.
//
// Grounded on _examples/albertito-chasquid/internal/queue/dsn.go, adapted
// to internal/spool's QueueEntry/RecipientStatus types instead of the
// teacher's protobuf-generated Item/Recipient.
package dsn

import (
	"bytes"
	"fmt"
	"net/mail"
	"text/template"
	"time"

	"github.com/posta-mta/posta/internal/spool"
)

// MaxOrigMsgLen bounds how much of the original message is quoted back
// in the notification.
const MaxOrigMsgLen = 256 * 1024

// Build constructs a DSN addressed to msg.From, reporting the status of
// every non-delivered recipient in entry. ourDomain names the domain the
// notification is sent from (postmaster@ourDomain).
func Build(ourDomain string, msg *spool.Message, entry *spool.QueueEntry, msgIDSeed string) ([]byte, error) {
	info := dsnInfo{
		OurDomain:   ourDomain,
		Destination: msg.From,
		MessageID:   fmt.Sprintf("posta-dsn-%s@%s", msgIDSeed, ourDomain),
		Date:        time.Now().Format(time.RFC1123Z),
		To:          msg.To,
		Boundary:    "posta-dsn-" + msgIDSeed,
	}

	for _, rcpt := range entry.Recipients {
		if rcpt.Delivered {
			continue
		}
		info.FailedTo = append(info.FailedTo, rcpt.Address)
		if rcpt.Permanent {
			info.FailedRecipients = append(info.FailedRecipients, rcpt)
		} else {
			info.PendingRecipients = append(info.PendingRecipients, rcpt)
		}
	}

	if len(msg.Data) > MaxOrigMsgLen {
		info.OriginalMessage = string(msg.Data[:MaxOrigMsgLen])
	} else {
		info.OriginalMessage = string(msg.Data)
	}
	info.OriginalMessageID = messageIDOf(msg.Data)

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, fmt.Errorf("dsn: rendering template: %w", err)
	}
	return buf.Bytes(), nil
}

func messageIDOf(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	To                []string
	FailedTo          []string
	FailedRecipients  []spool.RecipientStatus
	PendingRecipients []spool.RecipientStatus
	OriginalMessage   string
	OriginalMessageID string
	Boundary          string
}

var dsnTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{range .FailedTo}}{{.}}, {{end}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed:

{{range .FailedTo}}  - {{.}}
{{end}}
Technical details:
{{- range .FailedRecipients}}
- "{{.Address}}" failed permanently with error:
    {{.LastError}}
{{- end}}
{{- range .PendingRecipients}}
- "{{.Address}}" failed repeatedly and timed out, last error:
    {{.LastError}}
{{- end}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.LastError}}
{{end}}
{{range .PendingRecipients -}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 4.0.0
Diagnostic-Code: smtp; {{.LastError}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
