// Package device scores how closely a new sign-in device matches the devices a
// user has signed in from before.
//
// # Overview
//
// The device package provides:
//   - Descriptor extraction from HTTP requests (User-Agent and client IP)
//   - Confidence scoring against prior device sessions
//   - Mapping of scores to high/medium/low confidence levels
//
// # Basic Usage
//
//	import "github.com/tendant/devicetrust/pkg/device"
//
//	desc := device.DescriptorFromRequest(r)
//	scorer := device.NewScorer(cfg.HighConfidenceThreshold, cfg.MediumConfidenceThreshold)
//
//	score := scorer.ComputeConfidence(desc, priorSessions)
//	if scorer.Level(score) != model.ConfidenceHigh {
//		// session starts unverified
//	}
//
// # Scoring
//
// A user without prior sessions scores 100. Otherwise every prior session is
// compared signal by signal and the best match wins:
//
//	device name exact match      30
//	browser exact match          20
//	OS family match              20  ("Windows" from "Windows 11")
//	IPv4 /24 match               15
//
// Missing fields contribute nothing. Scoring is pure and never fails.
package device
