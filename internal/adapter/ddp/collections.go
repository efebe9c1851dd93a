package ddp

// collectionBindings maps a method or subscription name to the collection its
// added events are reported under.
var collectionBindings = map[string]string{
	"login":       "users",
	"singleTask":  "tasks",
	"publicTasks": "tasks",
	"taskexists":  "taskExists",
}

// CollectionFor returns the collection bound to name, or name itself when
// there is no binding.
func CollectionFor(name string) string {
	if c, ok := collectionBindings[name]; ok {
		return c
	}
	return name
}
