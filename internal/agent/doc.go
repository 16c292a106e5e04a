// Package agent provides built-in agent invoker implementations used for
// development and testing.
package agent
