// Package channel defines the delivery-channel contract and the shared
// error taxonomy used by the retry engine.
//
// A Channel owns everything between "here is an alert and its media
// reference" and the provider API: recipient selection, per-recipient
// retries, and registry pruning on permanent recipient errors. The
// dispatcher only calls Deliver and logs the result.
//
// # Error classes
//
// Provider errors are classified into a small closed set (authorization,
// timeout, transient network, unknown) that drives the retry policy and
// registry self-healing. Classification is centralized here so every
// adapter maps its provider's error type the same way.
package channel
