// SPDX-License-Identifier: Apache-2.0

package seed

import "sort"

// Sort orders seeders topologically by their dependencies. Among seeders
// whose dependencies are all satisfied, ascending Order wins, with the name
// as the stable tie-break. Unknown dependencies and cycles are errors.
func Sort(seeders []Seeder) ([]Seeder, error) {
	byName := make(map[string]Seeder, len(seeders))
	for _, s := range seeders {
		byName[s.Name()] = s
	}

	indegree := make(map[string]int, len(seeders))
	dependents := make(map[string][]string)
	for _, s := range seeders {
		indegree[s.Name()] += 0
		for _, dep := range s.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, &UnknownDependencyError{Seeder: s.Name(), Dependency: dep}
			}
			indegree[s.Name()]++
			dependents[dep] = append(dependents[dep], s.Name())
		}
	}

	var ready []Seeder
	for _, s := range seeders {
		if indegree[s.Name()] == 0 {
			ready = append(ready, s)
		}
	}

	ordered := make([]Seeder, 0, len(seeders))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Order() != ready[j].Order() {
				return ready[i].Order() < ready[j].Order()
			}
			return ready[i].Name() < ready[j].Name()
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, dep := range dependents[next.Name()] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, byName[dep])
			}
		}
	}

	if len(ordered) != len(seeders) {
		var remaining []string
		done := make(map[string]struct{}, len(ordered))
		for _, s := range ordered {
			done[s.Name()] = struct{}{}
		}
		for _, s := range seeders {
			if _, ok := done[s.Name()]; !ok {
				remaining = append(remaining, s.Name())
			}
		}
		sort.Strings(remaining)
		return nil, &CircularDependencyError{Remaining: remaining}
	}

	return ordered, nil
}

// transitiveClosure returns target plus everything it transitively depends
// on, preserving registration order for the caller to re-sort.
func transitiveClosure(seeders []Seeder, target string) ([]Seeder, error) {
	byName := make(map[string]Seeder, len(seeders))
	for _, s := range seeders {
		byName[s.Name()] = s
	}

	root, ok := byName[target]
	if !ok {
		return nil, ErrSeederNotFound
	}

	include := make(map[string]struct{})
	var visit func(s Seeder) error
	visit = func(s Seeder) error {
		if _, seen := include[s.Name()]; seen {
			return nil
		}
		include[s.Name()] = struct{}{}
		for _, dep := range s.Dependencies() {
			d, ok := byName[dep]
			if !ok {
				return &UnknownDependencyError{Seeder: s.Name(), Dependency: dep}
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}

	var out []Seeder
	for _, s := range seeders {
		if _, ok := include[s.Name()]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}
