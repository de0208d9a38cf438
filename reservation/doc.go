// Package reservation describes the stack reservation region an
// asyncify-instrumented guest sets aside for the host.
//
// The guest links a zero-initialized static buffer and exports two
// accessors, get_asyncify_stack_space_ptr and get_asyncify_stack_space_size.
// The host reads both once after instantiation. The region then stays fixed
// for the instance's lifetime.
//
// Layout inside the region:
//
//	[0:4]  stack_ptr  next free byte for captured frames
//	[4:8]  stack_end  one past the last usable byte
//	[8:]   captured frames
//
// Guests without the exports can be given a Fixed region from configuration.
package reservation
