package sandbox

// preludeScript evaluates to the error classes user code can throw, plus the private
// SecurityError used by the policy enforcer. Names and toJSON shapes match package fault.
const preludeScript = `(function () {
	function toJSON() {
		var out = { name: this.name, message: this.message };
		if (this.status !== undefined) out.status = this.status;
		if (this.response !== undefined) out.response = this.response;
		return out;
	}

	function subclass(ctor) {
		ctor.prototype = Object.create(Error.prototype, {
			constructor: { value: ctor, writable: true, configurable: true }
		});
		Object.defineProperty(ctor.prototype, "toJSON", { value: toJSON, writable: true, configurable: true });
		return ctor;
	}

	var RetryError = subclass(function RetryError(message, options) {
		if (!(this instanceof RetryError)) return new RetryError(message, options);
		var details = (message !== null && typeof message === "object") ? message : { message: message };
		this.message = details.message === undefined ? "" : String(details.message);
		if (details.status !== undefined) this.status = details.status;
		if (details.response !== undefined) this.response = details.response;
		this.drop = !!(options && options.drop);
		this.name = this.drop ? "Drop & RetryError" : "RetryError";
		this.stack = new Error(this.message).stack;
	});

	var HTTPError = subclass(function HTTPError(message, status, response) {
		if (!(this instanceof HTTPError)) return new HTTPError(message, status, response);
		this.name = "HTTPError";
		this.message = message === undefined ? "" : String(message);
		this.status = status;
		if (typeof response === "string") {
			var chars = Array.from(response);
			if (chars.length > %d) response = chars.slice(0, %d).join("") + "...";
		}
		if (response !== undefined) this.response = response;
		this.stack = new Error(this.message).stack;
	});

	var SecurityError = subclass(function SecurityError(message) {
		if (!(this instanceof SecurityError)) return new SecurityError(message);
		this.name = "SecurityError";
		this.message = String(message);
	});

	return { RetryError: RetryError, HTTPError: HTTPError, SecurityError: SecurityError };
})()`

// fetchScript wraps the host fetch into a promise based, Response-like API.
const fetchScript = `(function (hostFetch) {
	return function fetch(resource, init) {
		return new Promise(function (resolve) {
			var r = hostFetch(String(resource), init === undefined ? null : init);
			resolve({
				ok: r.ok,
				status: r.status,
				statusText: r.statusText,
				url: r.url,
				headers: {
					get: function (name) {
						var v = r.headers[String(name).toLowerCase()];
						return v === undefined ? null : v;
					}
				},
				text: function () { return Promise.resolve(r.body); },
				json: function () { return Promise.resolve().then(function () { return JSON.parse(r.body); }); }
			});
		});
	};
})`

// typeofScript evaluates to a function returning the JS typeof of its argument.
const typeofScript = `(function (v) { return typeof v; })`
