package engine

import "errors"

var (
	ErrCoreExists   = errors.New("core already attached")
	ErrCoreNotFound = errors.New("core not attached")
	ErrPathNotByID  = errors.New("core path is not a /dev/disk/by-id link")
	ErrPathInUse    = errors.New("core path already attached")
	ErrCacheExists  = errors.New("cache already exists")
	ErrCacheUnknown = errors.New("cache not found")
	ErrClassUnknown = errors.New("io class not configured")

	ErrStaleGeneration = errors.New("io class config has been reloaded")
)
