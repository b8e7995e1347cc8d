// Package separator wraps the remote stem-separation HTTP API: multipart
// upload of the source mix, status polling by job reference, and artifact
// download by location.
package separator
