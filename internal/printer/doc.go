// Package printer talks to the Prusa Connect status API and normalizes the
// response into the small view the capture loop needs: whether the printer
// is actively printing, whether a job should keep a session open, and the
// job identity used for naming and change detection.
package printer
