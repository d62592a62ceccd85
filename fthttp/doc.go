// Package fthttp implements file transfer over HTTP as used by RCS chat clients.
//
// Files are uploaded to a content server with a multipart/form-data POST. The server answers with
// an XML document of type [ContentType] describing the hosted file, and that document travels
// in the chat message instead of the file bytes. Receivers fetch the file with a plain GET.
// Requests can be authenticated with HTTP Digest, a Bearer token or a TLS client certificate.
package fthttp

//go:generate errtrace -w .
