// Package chat implements the chat message transport and delivery engine.
//
// A [Core] owns chat rooms and runs a single cooperative loop: every state transition, timer and
// completion of off-loop work (HTTP file transfers, deferred encryption) is dispatched from
// [Core.Iterate] or [Core.Run]. Messages are sent through a [Transport] collaborator as SIP MESSAGE
// requests, optionally wrapped in CPIM, ciphered by an [EncryptionEngine] and carrying file
// contents out of band over HTTP.
//
// Outgoing messages move through the states
//
//	Idle → [FileTransferInProgress → FileTransferDone →] InProgress → PendingDelivery → Delivered → DeliveredToUser → Displayed
//
// while failures end in NotDelivered or FileTransferError. Delivery and display acknowledgements
// (IMDN) are aggregated per room and flushed as a single batch.
package chat

//go:generate errtrace -w .
//go:generate go tool mockgen -destination=../internal/testutil/chatmock/chatmock.go -package=chatmock . Transport,Store
