//go:build !allocdebug

package alloc

// debugBuild is false in regular builds; every `if debugBuild` block is removed
// by the compiler.
const debugBuild = false
