package chat

import (
	"context"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
)

type StatsReport struct {
	Time      time.Time      `json:"time"`
	Messages  MessageStats   `json:"messages"`
	Imdn      ImdnStats      `json:"imdn"`
	Transfers TransferStats  `json:"transfers"`
	Transport TransportStats `json:"transport"`
}

type MessageStats struct {
	// Sent is a number of messages handed to the transport, resends included.
	Sent uint64 `json:"sent"`
	// Delivered is a number of messages accepted by the transport.
	Delivered uint64 `json:"delivered"`
	// Resent is a number of automatic resends.
	Resent uint64 `json:"resent"`
	// Received is a number of materialized incoming messages.
	Received uint64 `json:"received"`
	// Duplicates is a number of dropped duplicate requests.
	Duplicates uint64 `json:"duplicates"`
	// ReceiveErrors is a number of incoming requests that could not be materialized.
	ReceiveErrors uint64 `json:"receive_errors"`
}

type ImdnStats struct {
	// Batches is a number of flushed notification batches.
	Batches uint64 `json:"batches"`
	// Requests is a number of requests carrying notification batches.
	Requests uint64 `json:"requests"`
	// Notifications is a number of sent notifications.
	Notifications uint64 `json:"notifications"`
	// Suppressed is a number of notifications dropped because they were already sent.
	Suppressed uint64 `json:"suppressed"`
	// Received is a number of received notifications.
	Received uint64 `json:"received"`
}

type TransferStats struct {
	// Uploads is a number of uploaded files.
	Uploads uint64 `json:"uploads"`
	// Downloads is a number of downloaded files.
	Downloads uint64 `json:"downloads"`
	// Failures is a number of failed transfers.
	Failures uint64 `json:"failures"`
}

type TransportStats struct {
	// RequestsSent is a number of requests handed to the transport.
	RequestsSent uint64 `json:"requests_sent"`
	// SendErrors is a number of requests the transport failed to send.
	SendErrors uint64 `json:"send_errors"`
	// AvgSendTime is an average duration of a SendRequest call.
	AvgSendTime time.Duration `json:"avg_send_time"`
}

// StatsRecorder records chat engine statistics.
type StatsRecorder struct {
	sent,
	delivered,
	resent,
	received,
	dups,
	recvErrs atomic.Uint64

	imdnBatches,
	imdnReqs,
	imdnNotifs,
	imdnSuppressed,
	imdnRecv atomic.Uint64

	uploads,
	downloads,
	xferFails atomic.Uint64

	outReqs,
	outErrs,
	sendTimeSum atomic.Uint64
}

// Report returns statistics report about the engine.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{
		Time: time.Now(),
		Messages: MessageStats{
			Sent:          rcdr.sent.Load(),
			Delivered:     rcdr.delivered.Load(),
			Resent:        rcdr.resent.Load(),
			Received:      rcdr.received.Load(),
			Duplicates:    rcdr.dups.Load(),
			ReceiveErrors: rcdr.recvErrs.Load(),
		},
		Imdn: ImdnStats{
			Batches:       rcdr.imdnBatches.Load(),
			Requests:      rcdr.imdnReqs.Load(),
			Notifications: rcdr.imdnNotifs.Load(),
			Suppressed:    rcdr.imdnSuppressed.Load(),
			Received:      rcdr.imdnRecv.Load(),
		},
		Transfers: TransferStats{
			Uploads:   rcdr.uploads.Load(),
			Downloads: rcdr.downloads.Load(),
			Failures:  rcdr.xferFails.Load(),
		},
		Transport: TransportStats{
			RequestsSent: rcdr.outReqs.Load(),
			SendErrors:   rcdr.outErrs.Load(),
		},
	}
	if n := report.Transport.RequestsSent + report.Transport.SendErrors; n > 0 {
		report.Transport.AvgSendTime = time.Duration(rcdr.sendTimeSum.Load() / n)
	}
	return report
}

func (rcdr *StatsRecorder) messageSent()       { rcdr.sent.Add(1) }
func (rcdr *StatsRecorder) messageDelivered()  { rcdr.delivered.Add(1) }
func (rcdr *StatsRecorder) messageResent()     { rcdr.resent.Add(1) }
func (rcdr *StatsRecorder) messageReceived()   { rcdr.received.Add(1) }
func (rcdr *StatsRecorder) duplicateReceived() { rcdr.dups.Add(1) }
func (rcdr *StatsRecorder) receiveFailed()     { rcdr.recvErrs.Add(1) }
func (rcdr *StatsRecorder) ackSuppressed()     { rcdr.imdnSuppressed.Add(1) }
func (rcdr *StatsRecorder) imdnReceived()      { rcdr.imdnRecv.Add(1) }
func (rcdr *StatsRecorder) uploadCompleted()   { rcdr.uploads.Add(1) }
func (rcdr *StatsRecorder) downloadCompleted() { rcdr.downloads.Add(1) }
func (rcdr *StatsRecorder) transferFailed()    { rcdr.xferFails.Add(1) }

func (rcdr *StatsRecorder) imdnBatchSent(notifs, reqs int) {
	rcdr.imdnBatches.Add(1)
	rcdr.imdnNotifs.Add(uint64(notifs)) //nolint:gosec
	rcdr.imdnReqs.Add(uint64(reqs))     //nolint:gosec
}

// Transport returns a transport decorator recording outgoing requests.
func (rcdr *StatsRecorder) Transport(next Transport) Transport {
	return TransportFunc(func(ctx context.Context, req *OutgoingRequest) (string, error) {
		start := time.Now()
		tid, err := next.SendRequest(ctx, req)
		rcdr.sendTimeSum.Add(uint64(time.Since(start))) //nolint:gosec
		if err != nil {
			rcdr.outErrs.Add(1)
			return "", errtrace.Wrap(err)
		}
		rcdr.outReqs.Add(1)
		return tid, nil
	})
}
