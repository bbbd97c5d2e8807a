// Package utils provides small stateless helpers shared by the device trust
// packages.
//
// # Random Generation
//
// All random values come from crypto/rand, since codes and identifiers produced
// here act as bearer credentials:
//
//	code, err := utils.GenerateNumericCode(6)   // "048213"
//	token, err := utils.GenerateRandomString(32)
//
// # Masking
//
// Contact details that appear in responses and alert messages are masked:
//
//	utils.MaskPhone("+15551234567") // "***4567"
//	utils.MaskEmail("alice@example.com") // "a***@example.com"
package utils
