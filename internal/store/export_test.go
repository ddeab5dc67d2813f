package store

// CopyThenRemove exposes the cross-device half of Promote.
var CopyThenRemove = copyThenRemove
