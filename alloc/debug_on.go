//go:build allocdebug

package alloc

// debugBuild enables well-formedness checks after every mutation and caller-contract
// assertions on Dealloc/DeallocPages. Violations panic.
const debugBuild = true
