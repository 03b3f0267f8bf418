package bundleconfig

// DefaultPlan is the build plan used when no plan file lists applications
func DefaultPlan() []*Config {
	return []*Config{
		mustBuild("home", "imports.js", "basic.js"),
	}
}

func mustBuild(app string, entryFiles ...string) *Config {
	c, err := Build(app, entryFiles...)
	if err != nil {
		panic(err)
	}
	return c
}
