package lease

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*RedisStore)(nil)
)
