/*
Package transform holds the built-in chain functions. They run in-process, next to the
executor, and follow the same contract as sandboxed UDFs: an input payload plus the step's
config in, a [tableName, payload] result out.

The available built-ins are:

	extractFields          build a new payload from JSON paths of the input, with type conversion
	excludeEventsWith      drop the item if a field value is (or is not) in a list
	setField               set a field to a constant or to the value of another field
	setTable               route to a constant table or to the table named by a field
	extractItemsFromArray  fan out the objects of an array into separate payloads
	userAgent              parse a user agent string into a structured object
	validateSchema         check the payload against a JSON schema

Custom built-ins are added with fnchain.Config.RegisterBuiltin().
*/
package transform
