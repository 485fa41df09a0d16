// Package bulkmail sends one HTML message to a list of recipients, one at a
// time, with a fixed wait between sends so the mail provider does not flag the
// traffic as bursty.
//
// Each recipient gets its own MIME message: a plain-text fallback and the HTML
// body, an optional inline logo referenced as cid:logo, and any attachments.
// A transport failure for one recipient is recorded in the BatchReport and the
// batch continues with the next address. Nothing is retried.
//
// # Basic Usage
//
//	client, err := bulkmail.New(bulkmail.DefaultConfig(),
//		bulkmail.WithGmail(clientID, clientSecret, refreshToken),
//		bulkmail.WithInlineAsset("public", "logo.jpeg"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	report, err := client.SendBatch(ctx, &bulkmail.BatchRequest{
//		Subject:    "Course schedule",
//		Body:       "Hello,\nthe new schedule is attached.",
//		Recipients: "a@example.com\nb@example.com",
//	}, bulkmail.ProgressFunc(func(msg string) { fmt.Println(msg) }))
//
// # Transports
//
//   - Gmail API (default)
//   - AWS SES
//   - SendGrid
//   - Mailgun
//   - Resend
//   - Generic SMTP
//
// The wait between sends is driven by a k8s.io/utils/clock.Clock, so tests
// can advance it with a fake clock. Cancelling the context passed to
// SendBatch aborts the batch and returns the partial report.
package bulkmail
